package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
)

type ImageType string

const (
	InputImageType  ImageType = "input"
	TempImageType   ImageType = "temp"
	OutputImageType ImageType = "output"
)

type uploadResponse struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// UploadFileFromReader uploads an image and returns the name image loading
// nodes must reference. The server may pick a different name than the one given.
func (c *ComfyClient) UploadFileFromReader(ctx context.Context, r io.Reader, filename string, overwrite bool, filetype ImageType, subfolder string) (string, error) {
	// Create a buffer to store the request body
	var requestBody bytes.Buffer

	// Create a multipart writer to wrap the file (like FormData)
	writer := multipart.NewWriter(&requestBody)

	// Create a form-file for the image and copy the image data into it
	formFile, err := writer.CreateFormFile("image", filename)
	if err != nil {
		return "", err
	}
	_, err = io.Copy(formFile, r)
	if err != nil {
		return "", err
	}

	_ = writer.WriteField("overwrite", fmt.Sprintf("%v", overwrite))
	_ = writer.WriteField("type", fmt.Sprintf("%v", filetype))
	if subfolder != "" {
		_ = writer.WriteField("subfolder", subfolder)
	}

	// Close the writer to finalize the body content
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequest("POST", c.endpoint("/upload/image", nil), &requestBody)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	body, err := c.do(ctx, StageUpload, req)
	if err != nil {
		return "", err
	}

	var data uploadResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return "", &RequestError{Stage: StageUpload, StatusCode: http.StatusOK, Body: string(body), Decode: true, Err: err}
	}
	if data.Name == "" {
		return "", &RequestError{Stage: StageUpload, StatusCode: http.StatusOK, Body: string(body), Decode: true, Err: fmt.Errorf("invalid response format")}
	}
	if data.Subfolder != "" {
		return path.Join(data.Subfolder, data.Name), nil
	}
	return data.Name, nil
}

// UploadImage uploads encoded image bytes to the input folder
func (c *ComfyClient) UploadImage(ctx context.Context, data []byte, filename string) (string, error) {
	return c.UploadFileFromReader(ctx, bytes.NewReader(data), path.Base(filename), true, InputImageType, "")
}
