package network

import (
	"context"
	"fmt"
	"net/http"

	"github.com/bitrise-io/go-chunkupload/transfer"
	"github.com/melbahja/got"
)

// Download fetches a result URL returned by the server into dest.
func (c *Client) Download(ctx context.Context, ref, dest string) error {
	u, err := c.ResolveURL(ref)
	if err != nil {
		return transfer.NewError(transfer.KindInvalidInput, "download", err)
	}

	c.logger.Debugf("Downloading %s to %s", u, dest)
	if err := downloadFile(ctx, c.httpClient.StandardClient(), u, dest); err != nil {
		return transfer.NewError(transfer.KindTransport, "download", fmt.Errorf("download %s: %w", u, err))
	}

	return nil
}

func downloadFile(ctx context.Context, client *http.Client, url string, dest string) error {
	downloader := got.New()
	downloader.Client = client

	return downloader.Do(got.NewDownload(ctx, url, dest))
}
