package server

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"

	"github.com/nfrund/fanout/internal/middleware"
	"github.com/nfrund/fanout/internal/pubsub"
	"github.com/nfrund/fanout/internal/topicmgr"
	"github.com/nfrund/fanout/internal/websocket"
)

// PublishRequest is the body of POST /api/topics/:topic/publish.
type PublishRequest struct {
	Data       json.RawMessage   `json:"data" validate:"required"`
	Attributes map[string]string `json:"attributes" validate:"omitempty,dive,keys,required,max=64,endkeys"`
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	PubSub  pubsub.Stats          `json:"pubsub"`
	Streams int                   `json:"streams"`
	Topics  topicmgr.ManagerStats `json:"topics"`
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, StatsResponse{
		PubSub:  s.pubsub.Stats(),
		Streams: s.streamer.Manager().Count(),
		Topics:  s.topics.GetStats(),
	})
}

func (s *Server) handleListTopics(c echo.Context) error {
	var topics []topicmgr.Topic
	if owner := c.QueryParam("owner"); owner != "" {
		topics = s.topics.ListByOwner(owner)
	} else if pattern := c.QueryParam("pattern"); pattern != "" {
		topics = s.topics.FindTopics(pattern)
	} else {
		topics = s.topics.List()
	}

	defs := make([]topicmgr.Definition, 0, len(topics))
	for _, t := range topics {
		defs = append(defs, topicmgr.Describe(t))
	}
	return c.JSON(http.StatusOK, defs)
}

func (s *Server) handleGetTopic(c echo.Context) error {
	t, err := s.topics.Lookup(c.Param("topic"))
	if err != nil {
		if topicmgr.IsNotFound(err) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return err
	}
	return c.JSON(http.StatusOK, topicmgr.Describe(t))
}

func (s *Server) handleTopicPools(c echo.Context) error {
	topic := c.Param("topic")
	if err := s.topics.ValidateTopicName(topic); err != nil {
		return badRequest("%v", err)
	}
	pools := s.pubsub.PoolsForTopic(topic)
	if pools == nil {
		pools = []pubsub.PoolInfo{}
	}
	return c.JSON(http.StatusOK, pools)
}

func (s *Server) handlePublish(c echo.Context) error {
	topic := c.Param("topic")
	if err := s.topics.ValidateTopicName(topic); err != nil {
		return badRequest("%v", err)
	}

	var req PublishRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	if err := c.Validate(&req); err != nil {
		return badRequest("invalid request: %v", err)
	}
	if err := s.topics.ValidateSubject(req.Attributes["subject"]); err != nil {
		return badRequest("%v", err)
	}

	ctx := c.Request().Context()
	if err := s.pubsub.Publish(ctx, topic, pubsub.Payload{Data: []byte(req.Data), Attributes: req.Attributes}); err != nil {
		middleware.FromContext(ctx).Error("Publish failed", "topic", topic, "error", err)
		return echo.NewHTTPError(http.StatusBadGateway, "publish failed")
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "published", "topic": topic})
}

func (s *Server) handleStream(c echo.Context) error {
	req := websocket.StreamRequest{
		Topic:   c.Param("topic"),
		Subject: c.QueryParam("subject"),
		Filter:  c.QueryParam("filter"),
	}
	if err := s.topics.ValidateTopicName(req.Topic); err != nil {
		return badRequest("%v", err)
	}
	if err := s.topics.ValidateSubject(req.Subject); err != nil {
		return badRequest("%v", err)
	}

	// The connection is hijacked from here on; failures are logged by the
	// streamer and cannot be turned into HTTP responses.
	_ = s.streamer.Serve(c.Response(), c.Request(), req)
	return nil
}

func (s *Server) handleDropSubscriptions(c echo.Context) error {
	topic := c.Param("topic")
	if err := s.topics.ValidateTopicName(topic); err != nil {
		return badRequest("%v", err)
	}
	if err := s.pubsub.UnsubscribeAllFromTopic(c.Request().Context(), topic); err != nil {
		middleware.FromContext(c.Request().Context()).Warn("Teardown reported errors", "topic", topic, "error", err)
	}
	return c.NoContent(http.StatusNoContent)
}
