package notify

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const maxInlineImageBytes = 2 << 20

var errNoUploadEndpoint = errors.New("no upload endpoint")

// Reference is what an image message carries: a media id or inline data.
type Reference struct {
	MediaID string `json:"media_id,omitempty"`
	Base64  string `json:"base64,omitempty"`
	MD5     string `json:"md5,omitempty"`
}

// Artifact is one image file ready for upload.
type Artifact struct {
	Filename string
	MIMEType string
	Data     []byte
}

// Strategy turns an artifact into a Reference. Strategies are tried in order.
type Strategy struct {
	Name   string
	Upload func(ctx context.Context, t Target, a Artifact) (Reference, error)
}

func (c *Client) defaultStrategies() []Strategy {
	return []Strategy{
		{Name: "multipart_filename", Upload: c.uploadMultipart},
		{Name: "multipart_raw", Upload: c.uploadRawMultipart},
		{Name: "inline_base64", Upload: inlineBase64},
	}
}

func (c *Client) uploadMultipart(ctx context.Context, t Target, a Artifact) (Reference, error) {
	if t.UploadURL == "" {
		return Reference{}, errNoUploadEndpoint
	}
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="media"; filename="%s"; filelength=%d`, a.Filename, len(a.Data)))
	h.Set("Content-Type", a.MIMEType)
	part, err := w.CreatePart(h)
	if err != nil {
		return Reference{}, err
	}
	if _, err := part.Write(a.Data); err != nil {
		return Reference{}, err
	}
	if err := w.Close(); err != nil {
		return Reference{}, err
	}
	return c.upload(ctx, t, buf.Bytes(), w.FormDataContentType())
}

// uploadRawMultipart writes the multipart envelope by hand for endpoints that
// reject the filelength parameter.
func (c *Client) uploadRawMultipart(ctx context.Context, t Target, a Artifact) (Reference, error) {
	if t.UploadURL == "" {
		return Reference{}, errNoUploadEndpoint
	}
	boundary := "----ListenReport" + strings.ReplaceAll(uuid.NewString(), "-", "")
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "--%s\r\n", boundary)
	fmt.Fprintf(&buf, "Content-Disposition: form-data; name=\"media\"; filename=\"%s\"\r\n", a.Filename)
	fmt.Fprintf(&buf, "Content-Type: %s\r\n\r\n", a.MIMEType)
	buf.Write(a.Data)
	fmt.Fprintf(&buf, "\r\n--%s--\r\n", boundary)
	return c.upload(ctx, t, buf.Bytes(), "multipart/form-data; boundary="+boundary)
}

func (c *Client) upload(ctx context.Context, t Target, body []byte, contentType string) (Reference, error) {
	resp, err := c.do(ctx, t, "upload", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.UploadURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		return req, nil
	})
	if err != nil {
		return Reference{}, err
	}
	if resp.MediaID == "" {
		return Reference{}, errors.New("upload: empty media_id")
	}
	return Reference{MediaID: resp.MediaID}, nil
}

func inlineBase64(_ context.Context, _ Target, a Artifact) (Reference, error) {
	if len(a.Data) == 0 {
		return Reference{}, errors.New("empty image")
	}
	if len(a.Data) > maxInlineImageBytes {
		return Reference{}, fmt.Errorf("image %d bytes exceeds inline limit", len(a.Data))
	}
	sum := md5.Sum(a.Data)
	return Reference{
		Base64: base64.StdEncoding.EncodeToString(a.Data),
		MD5:    hex.EncodeToString(sum[:]),
	}, nil
}

// safeFilename strips non-ASCII runes, which some upload endpoints reject.
func safeFilename(path string) string {
	base := filepath.Base(path)
	var b strings.Builder
	for _, r := range base {
		if r < 0x80 && r != '"' {
			b.WriteRune(r)
		}
	}
	name := b.String()
	if name == "" || strings.HasPrefix(name, ".") {
		name = "image" + filepath.Ext(base)
	}
	return name
}

func mimeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "image/png"
	}
}
