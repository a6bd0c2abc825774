package script

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/fanout/internal/pubsub"
)

func newTestProcessor(t *testing.T, src string, opts ...Option) *Processor {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/scripts/processor.tengo", []byte(src), 0o644))
	p, err := NewProcessor(fs, "/scripts/processor.tengo", opts...)
	require.NoError(t, err)
	return p
}

func testMessage() *pubsub.Message {
	return pubsub.NewMessage("m1", "notifications", []byte(`{"msg":"hi"}`), map[string]string{"user_id": "42"}, nil)
}

func TestProcessor_Transforms(t *testing.T) {
	tests := []struct {
		name      string
		src       string
		wantData  string
		wantAttrs map[string]string
		wantDrop  bool
	}{
		{
			name:      "identity",
			src:       `x := 1`,
			wantData:  `{"msg":"hi"}`,
			wantAttrs: map[string]string{"user_id": "42"},
		},
		{
			name: "rewrite data",
			src: `
json := import("json")
body := json.decode(message.data)
body.seen_by = message.attributes.user_id
message.data = string(json.encode(body))
`,
			wantData:  `{"msg":"hi","seen_by":"42"}`,
			wantAttrs: map[string]string{"user_id": "42"},
		},
		{
			name:      "add attribute",
			src:       `message.attributes.topic_name = message.topic; message.attributes.count = 3`,
			wantData:  `{"msg":"hi"}`,
			wantAttrs: map[string]string{"user_id": "42", "topic_name": "notifications", "count": "3"},
		},
		{
			name:     "drop by flag",
			src:      `if message.attributes.user_id == "42" { drop = true }`,
			wantDrop: true,
		},
		{
			name:     "drop by clearing message",
			src:      `message = undefined`,
			wantDrop: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProcessor(t, tt.src)
			msg := testMessage()

			out, err := p.Process(context.Background(), msg)
			require.NoError(t, err)
			if tt.wantDrop {
				assert.Nil(t, out)
				return
			}
			require.NotNil(t, out)
			assert.JSONEq(t, tt.wantData, string(out.Data))
			assert.Equal(t, tt.wantAttrs, out.Attributes)
			assert.Equal(t, "m1", out.ID)
			assert.Equal(t, map[string]string{"user_id": "42"}, msg.Attributes, "input is not modified")
		})
	}
}

func TestProcessor_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := NewProcessor(afero.NewMemMapFs(), "/nope.tengo")
		var scriptErr *ScriptError
		require.ErrorAs(t, err, &scriptErr)
		assert.Equal(t, ErrorTypeNotFound, scriptErr.Type)
	})

	t.Run("syntax error", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "/bad.tengo", []byte(`message.data = (`), 0o644))
		_, err := NewProcessor(fs, "/bad.tengo")
		var scriptErr *ScriptError
		require.ErrorAs(t, err, &scriptErr)
		assert.Equal(t, ErrorTypeCompilation, scriptErr.Type)
	})

	t.Run("disallowed import", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "/os.tengo", []byte(`os := import("os")`), 0o644))
		_, err := NewProcessor(fs, "/os.tengo")
		var scriptErr *ScriptError
		require.ErrorAs(t, err, &scriptErr)
		assert.Equal(t, ErrorTypeCompilation, scriptErr.Type)
	})

	t.Run("runtime error", func(t *testing.T) {
		p := newTestProcessor(t, `message.data = 1 / (len(message.id) - 2)`)
		_, err := p.Process(context.Background(), testMessage())
		var scriptErr *ScriptError
		require.ErrorAs(t, err, &scriptErr)
		assert.Equal(t, ErrorTypeExecution, scriptErr.Type)
	})

	t.Run("bad data type", func(t *testing.T) {
		p := newTestProcessor(t, `message.data = 5`)
		_, err := p.Process(context.Background(), testMessage())
		var scriptErr *ScriptError
		require.ErrorAs(t, err, &scriptErr)
		assert.Equal(t, ErrorTypeResult, scriptErr.Type)
	})

	t.Run("timeout", func(t *testing.T) {
		limits := DefaultLimits()
		limits.MaxExecutionTime = 20 * time.Millisecond
		limits.MaxAllocs = -1
		p := newTestProcessor(t, `for { x := 1 }`, WithLimits(limits))

		_, err := p.Process(context.Background(), testMessage())
		var scriptErr *ScriptError
		require.ErrorAs(t, err, &scriptErr)
		assert.Equal(t, ErrorTypeTimeout, scriptErr.Type)
	})
}

func TestProcessor_ReloadKeepsPreviousOnFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := "/processor.tengo"
	require.NoError(t, afero.WriteFile(fs, path, []byte(`message.data = "v1"`), 0o644))
	p, err := NewProcessor(fs, path)
	require.NoError(t, err)

	require.NoError(t, afero.WriteFile(fs, path, []byte(`message.data = "v2"`), 0o644))
	require.NoError(t, p.Reload())
	out, err := p.Process(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "v2", string(out.Data))

	require.NoError(t, afero.WriteFile(fs, path, []byte(`message.data = (`), 0o644))
	require.Error(t, p.Reload())
	out, err = p.Process(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "v2", string(out.Data))
}

func TestProcessor_Watch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "processor.tengo")
	require.NoError(t, os.WriteFile(path, []byte(`message.data = "before"`), 0o644))

	p, err := NewProcessor(afero.NewOsFs(), path)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Watch(ctx))
	defer p.Close()

	require.NoError(t, os.WriteFile(path, []byte(`message.data = "after"`), 0o644))

	assert.Eventually(t, func() bool {
		out, err := p.Process(context.Background(), testMessage())
		return err == nil && string(out.Data) == "after"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProcessor_AsServiceProcessor(t *testing.T) {
	p := newTestProcessor(t, `drop = message.attributes.user_id != "42"`)
	var processor pubsub.MessageProcessor = p.Process

	out, err := processor(context.Background(), testMessage())
	require.NoError(t, err)
	assert.NotNil(t, out)

	other := pubsub.NewMessage("m2", "notifications", nil, map[string]string{"user_id": "7"}, nil)
	out, err = processor(context.Background(), other)
	require.NoError(t, err)
	assert.Nil(t, out)
}
