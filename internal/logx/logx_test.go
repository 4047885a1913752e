package logx

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterFilters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		allow string
		deny  string
		lines []string
		want  string
	}{
		{
			name:  "passthrough",
			lines: []string{"a\n", "b\n"},
			want:  "a\nb\n",
		},
		{
			name:  "deny wins",
			allow: "engine",
			deny:  "fsync",
			lines: []string{`{"component":"engine","message":"fsync failed"}` + "\n", `{"component":"engine","message":"ready"}` + "\n"},
			want:  `{"component":"engine","message":"ready"}` + "\n",
		},
		{
			name:  "allow only",
			allow: `"component":"proxy"`,
			lines: []string{`{"component":"proxy"}` + "\n", `{"component":"pool"}` + "\n"},
			want:  `{"component":"proxy"}` + "\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			w, err := New(&buf, 0, tt.allow, tt.deny)
			require.NoError(t, err)
			for _, l := range tt.lines {
				n, err := w.Write([]byte(l))
				require.NoError(t, err)
				assert.Equal(t, len(l), n)
			}
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestWriterDedupIgnoresTimestamp(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w, err := New(&buf, 3*time.Second, "", "")
	require.NoError(t, err)
	now := time.Unix(1000, 0)
	w.now = func() time.Time { return now }

	_, _ = w.Write([]byte(`{"level":"warn","time":"10:00:00","message":"peer dropped"}` + "\n"))
	now = now.Add(time.Second)
	_, _ = w.Write([]byte(`{"level":"warn","time":"10:00:01","message":"peer dropped"}` + "\n"))
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("peer dropped")))

	now = now.Add(5 * time.Second)
	_, _ = w.Write([]byte(`{"level":"warn","time":"10:00:06","message":"peer dropped"}` + "\n"))
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("peer dropped")))
	assert.Len(t, w.lastSeen, 1)
}

func TestNewRejectsBadPattern(t *testing.T) {
	t.Parallel()

	_, err := New(&bytes.Buffer{}, 0, "(", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOG_ALLOW")
}
