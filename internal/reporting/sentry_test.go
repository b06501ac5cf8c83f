package reporting

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSanitizeError(t *testing.T) {
	t.Parallel()

	t.Run("connection reset by peer", func(t *testing.T) {
		t.Parallel()

		err := `Server error: Get "https://api.applause-button.com/get-multiple?id=deadbeef8315465d9d44cfc238c64f71": read tcp [dead:beef:feb1:d745::c001]:64079->[dead:beef::6811:112a]:443: read: connection reset by peer`
		want := `Server error: Get "https://api.applause-button.com/get-multiple?id=<uuid>": read tcp <host>-><host>: read: connection reset by peer`
		require.Equal(t, want, sanitizeError(err))
	})
	t.Run("context deadline", func(t *testing.T) {
		t.Parallel()

		err := `Server error: Get "https://api.applause-button.com/get-multiple?id=deadbeef810845ca8424cf7ba5929a3e": context deadline exceeded (Client.Timeout exceeded while awaiting headers)`
		want := `Server error: Get "https://api.applause-button.com/get-multiple?id=<uuid>": context deadline exceeded (Client.Timeout exceeded while awaiting headers)`
		require.Equal(t, want, sanitizeError(err))
	})
	t.Run("misc ipv6", func(t *testing.T) {
		t.Parallel()

		ips := []string{
			`1:2:3:4:5:6:7:8`,
			`1::`,
			`1:2:3:4:5:6:7::`,
			`1::8`,
			`1:2:3:4:5:6::8`,
			`1:2:3:4:5:6::8`,
			`1::7:8`,
			`1:2:3:4:5::7:8`,
			`1:2:3:4:5::8`,
			`1::6:7:8`,
			`1:2:3:4::6:7:8`,
			`1:2:3:4::8`,
			`1::5:6:7:8`,
			`1:2:3::5:6:7:8`,
			`1:2:3::8`,
			`1::4:5:6:7:8`,
			`1:2::4:5:6:7:8`,
			`1:2::8`,
			`1::3:4:5:6:7:8`,
			`1::3:4:5:6:7:8`,
			`1::8`,
			`::2:3:4:5:6:7:8`,
			`::8`,
			`::`,
		}
		for _, ip := range ips {
			t.Run(ip, func(t *testing.T) {
				t.Parallel()

				require.Equal(t, "<host>", sanitizeError(fmt.Sprintf("[%s]:1234", ip)))
			})
		}
	})
	t.Run("resource urls", func(t *testing.T) {
		t.Parallel()

		cases := []struct {
			error string
			want  string
		}{
			{
				error: `failed to send request: Post "https://api.applause-button.com/update-claps?url=https%3A%2F%2Fexample.com%2Fpost": context deadline exceeded (Client.Timeout exceeded while awaiting headers)`,
				want:  `failed to send request: Post "https://api.applause-button.com/update-claps?url=<url>": context deadline exceeded (Client.Timeout exceeded while awaiting headers)`,
			},
			{
				// Don't match eagerly
				error: `failed to send request: Post "https://api.applause-button.com/update-claps?url=someurl&x=1": failed`,
				want:  `failed to send request: Post "https://api.applause-button.com/update-claps?url=<url>&x=1": failed`,
			},
			{
				// No match
				error: `failed to send request: Post "https://api.applause-button.com/get-multiple": failed`,
				want:  `failed to send request: Post "https://api.applause-button.com/get-multiple": failed`,
			},
			{
				error: `submission failed: client id 0b1d7a3c-8e3f-4f5e-9c1d-2a3b4c5d6e7f rejected`,
				want:  `submission failed: client id <uuid> rejected`,
			},
		}
		for _, tc := range cases {
			t.Run(tc.error, func(t *testing.T) {
				t.Parallel()

				require.Equal(t, tc.want, sanitizeError(tc.error))
			})
		}
	})
}

func TestReportWithoutSentry(t *testing.T) {
	t.Parallel()

	// Must not panic when sentry has not been initialized
	Report(t.Context(), errors.New("some error"), map[string]string{"key": "value"}, nil)
	Report(t.Context(), nil)
}

func TestMetaFromContext(t *testing.T) {
	t.Parallel()

	ctx := AddTagsToContext(t.Context(), map[string]string{"resource": "https://example.com/"})
	ctx = AddExtrasToContext(ctx, map[string]string{"claps": "3"})
	startedAt := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	ctx = SetSessionInContext(ctx, "session-1", startedAt)

	meta := MetaFromContext(ctx)
	require.Equal(t, map[string]string{"resource": "https://example.com/"}, meta.tags)
	require.Equal(t, map[string]string{"claps": "3"}, meta.extras)
	require.Equal(t, "session-1", meta.sessionID)
	require.Equal(t, startedAt, meta.startedAt)

	// Returned maps are copies
	meta.tags["resource"] = "changed"
	require.Equal(t, "https://example.com/", MetaFromContext(ctx).tags["resource"])
}
