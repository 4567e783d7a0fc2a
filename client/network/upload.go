package network

import (
	"context"
	"net/http"

	"github.com/bitrise-io/go-chunkupload/transfer"
	"github.com/hashicorp/go-retryablehttp"
)

// UploadFile submits a whole file together with a free-form message.
func (c *Client) UploadFile(ctx context.Context, part FilePart, message string, onProgress ProgressFunc) (transfer.UploadResponse, error) {
	body, contentType := streamingBody(transfer.FieldFile, []FilePart{part}, map[string]string{transfer.FieldMessage: message}, onProgress)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+transfer.PathUpload, body)
	if err != nil {
		return transfer.UploadResponse{}, transfer.NewError(transfer.KindTransport, "upload file", err)
	}
	req.Header.Set("Content-Type", contentType)

	c.logger.Debugf("Uploading %s (%d bytes)", part.FileName, part.Size)

	var response transfer.UploadResponse
	if err := c.do(req, "upload file", &response, http.StatusCreated); err != nil {
		return transfer.UploadResponse{}, err
	}

	return response, nil
}

// UploadMany submits all parts in one request. The server answers with one response per part,
// in request order.
func (c *Client) UploadMany(ctx context.Context, parts []FilePart, onProgress ProgressFunc) ([]transfer.UploadResponse, error) {
	body, contentType := streamingBody(transfer.FieldFiles, parts, nil, onProgress)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+transfer.PathUploadMany, body)
	if err != nil {
		return nil, transfer.NewError(transfer.KindTransport, "upload many", err)
	}
	req.Header.Set("Content-Type", contentType)

	c.logger.Debugf("Uploading %d files in one request", len(parts))

	var response []transfer.UploadResponse
	if err := c.do(req, "upload many", &response, http.StatusCreated); err != nil {
		return nil, err
	}

	return response, nil
}
