package health

import (
	"context"
	"net/http"
	"time"

	"github.com/keithlinneman/lookupguard/internal/xerrors"
)

const defaultUpstreamTimeout = 2 * time.Second

// Upstream fails when a HEAD to url cannot complete. Any status code passes,
// the front end answering 404 or 405 to HEAD is still up.
func Upstream(client *http.Client, url string) CheckFunc {
	if client == nil {
		client = &http.Client{Timeout: defaultUpstreamTimeout}
	}
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, defaultUpstreamTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, http.NoBody)
		if err != nil {
			return xerrors.Wrap(err, "upstream probe request")
		}
		resp, err := client.Do(req)
		if err != nil {
			return xerrors.Wrap(err, "upstream unreachable")
		}
		_ = resp.Body.Close()
		return nil
	}
}
