package services

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const documentKeyPrefix = "identity-documents"

// Document is an uploaded identity document image.
type Document struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

type uploadedDocuments struct {
	frontKey, backKey string
	frontURL, backURL string
}

func (u uploadedDocuments) keys() []string {
	return []string{u.frontKey, u.backKey}
}

// uploadDocuments stores both sides concurrently. If either upload fails
// the other is removed and the error is returned.
func (s *RegistrationService) uploadDocuments(ctx context.Context, accountID string, front, back *Document, now time.Time) (uploadedDocuments, error) {
	docs := uploadedDocuments{
		frontKey: documentKey(accountID, "front", front, now),
		backKey:  documentKey(accountID, "back", back, now),
	}

	var stored [2]bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.put(gctx, docs.frontKey, front); err != nil {
			return err
		}
		stored[0] = true
		return nil
	})
	g.Go(func() error {
		if err := s.put(gctx, docs.backKey, back); err != nil {
			return err
		}
		stored[1] = true
		return nil
	})
	if err := g.Wait(); err != nil {
		var partial []string
		if stored[0] {
			partial = append(partial, docs.frontKey)
		}
		if stored[1] {
			partial = append(partial, docs.backKey)
		}
		s.discardDocuments(partial)
		return uploadedDocuments{}, dependencyError("failed to upload identity documents", err)
	}

	docs.frontURL = s.deps.Documents.URL(docs.frontKey)
	docs.backURL = s.deps.Documents.URL(docs.backKey)
	return docs, nil
}

func (s *RegistrationService) put(ctx context.Context, key string, doc *Document) error {
	contentType := doc.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := s.deps.Documents.Put(ctx, key, doc.Body, doc.Size, contentType); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// discardDocuments removes uploaded objects best effort.
func (s *RegistrationService) discardDocuments(keys []string) {
	if len(keys) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, key := range keys {
		if err := s.deps.Documents.Delete(ctx, key); err != nil {
			s.deps.Logger.Warn("remove orphaned identity document", zap.String("key", key), zap.Error(err))
		}
	}
}

// documentKey builds identity-documents/{account}/{side}-{unix}{ext}.
func documentKey(accountID, side string, doc *Document, now time.Time) string {
	return fmt.Sprintf("%s/%s/%s-%d%s", documentKeyPrefix, accountID, side, now.Unix(), documentExt(doc))
}

func documentExt(doc *Document) string {
	if ext := strings.ToLower(path.Ext(doc.Filename)); ext != "" && len(ext) <= 6 {
		return ext
	}
	switch doc.ContentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "":
		return ""
	}
	if exts, err := mime.ExtensionsByType(doc.ContentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}
