package session

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

// Image is an opaque generated image payload.
type Image struct {
	Data     []byte
	MIMEType string
}

// NewImage wraps raw bytes, sniffing the MIME type when none is given.
func NewImage(data []byte, mimeType string) Image {
	mimeType = normalizeMIME(mimeType)
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = normalizeMIME(http.DetectContentType(data))
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = "image/jpeg"
	}
	return Image{Data: data, MIMEType: mimeType}
}

func (i Image) Empty() bool {
	return len(i.Data) == 0
}

func (i Image) Base64() string {
	return base64.StdEncoding.EncodeToString(i.Data)
}

func (i Image) DataURL() string {
	return fmt.Sprintf("data:%s;base64,%s", i.MIMEType, i.Base64())
}

func (i Image) Clone() Image {
	return Image{Data: append([]byte(nil), i.Data...), MIMEType: i.MIMEType}
}

func normalizeMIME(mimeType string) string {
	mimeType = strings.TrimSpace(mimeType)
	if strings.Contains(mimeType, ";") {
		mimeType = strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0])
	}
	return strings.ToLower(mimeType)
}
