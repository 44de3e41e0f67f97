package blob

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"time"
)

// Signatures 把前端签名板的 data URL 存成对象，借用记录里只留 key
type Signatures struct {
	store Store
}

func NewSignatures(s Store) *Signatures { return &Signatures{store: s} }

func SignatureKey(loanID, kind, ext string) string {
	return path.Join("signatures", loanID, kind+ext)
}

func (s *Signatures) SaveSignature(ctx context.Context, loanID, kind, raw string) (string, error) {
	data, ctype, err := decodeDataURL(raw)
	if err != nil {
		return "", err
	}
	key := SignatureKey(loanID, kind, extFor(ctype))
	_, err = s.store.Put(ctx, key, bytes.NewReader(data), PutOptions{
		ContentType: ctype,
		Metadata:    map[string]string{"loan-id": loanID, "kind": kind},
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// Open 返回预签名地址（s3），或直接返回内容（memory）
func (s *Signatures) Open(ctx context.Context, key string) (url string, info Info, body io.ReadCloser, err error) {
	if !strings.HasPrefix(key, "signatures/") {
		return "", Info{}, nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if u, perr := s.store.PresignURL(ctx, key, 5*time.Minute); perr == nil {
		return u, Info{}, nil, nil
	}
	info, body, err = s.store.Get(ctx, key)
	return "", info, body, err
}

// decodeDataURL 支持 "data:image/png;base64,..."；普通文本（打字签名）按 text/plain 保存
func decodeDataURL(raw string) ([]byte, string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, "", fmt.Errorf("empty signature")
	}
	if !strings.HasPrefix(raw, "data:") {
		return []byte(raw), "text/plain", nil
	}
	head, payload, ok := strings.Cut(raw[len("data:"):], ",")
	if !ok {
		return nil, "", fmt.Errorf("malformed data url")
	}
	ctype := "text/plain"
	b64 := false
	for i, p := range strings.Split(head, ";") {
		switch {
		case i == 0 && p != "":
			ctype = p
		case p == "base64":
			b64 = true
		}
	}
	if !b64 {
		return []byte(payload), ctype, nil
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode signature: %w", err)
	}
	return data, ctype, nil
}

func extFor(ctype string) string {
	switch ctype {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/svg+xml":
		return ".svg"
	case "text/plain":
		return ".txt"
	}
	if exts, _ := mime.ExtensionsByType(ctype); len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
