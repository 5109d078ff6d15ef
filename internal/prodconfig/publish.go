package prodconfig

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/ILLUVRSE/churn-mlops/internal/apperr"
)

// Archiver stores a copy of each published config.
type Archiver interface {
	Archive(ctx context.Context, data []byte, publishedAt time.Time) (string, error)
}

// Publisher rewrites prod.yml. Publishes through one Publisher are serialized; the
// file itself is always replaced by rename so readers never see a partial write.
type Publisher struct {
	mu       sync.Mutex
	archiver Archiver
	logger   zerolog.Logger
	now      func() time.Time
}

// NewPublisher returns a Publisher. archiver may be nil.
func NewPublisher(archiver Archiver, logger zerolog.Logger) *Publisher {
	return &Publisher{
		archiver: archiver,
		logger:   logger.With().Str("component", "prodconfig").Logger(),
		now:      time.Now,
	}
}

// Publish sets model_uri and fallback_model_uri in the file at path, fills any
// missing defaulted field and keeps every other field as it was. A missing file is
// treated as empty. Publishing the same URIs twice leaves the file byte-identical.
func (p *Publisher) Publish(ctx context.Context, championURI, challengerURI, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	current, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "read %s", path)
	}

	doc, err := parseNode(current)
	if err != nil {
		return errors.WithMessage(err, path)
	}
	root := doc.Content[0]
	setScalar(root, "model_uri", "!!str", championURI)
	setScalar(root, "fallback_model_uri", "!!str", challengerURI)
	for _, f := range defaultFields {
		if lookup(root, f.key) == nil {
			appendScalar(root, f.key, f.tag, f.value)
		}
	}

	out, err := encodeNode(doc)
	if err != nil {
		return err
	}
	if _, err := Parse(out); err != nil {
		return errors.WithMessage(err, path)
	}

	log := p.logger.With().Str("path", path).Str("model_uri", championURI).Str("fallback_model_uri", challengerURI).Logger()
	if bytes.Equal(out, current) {
		log.Info().Msg("prod config unchanged")
		return nil
	}
	if err := writeAtomic(path, out); err != nil {
		return err
	}
	log.Info().Msg("prod config published")

	if p.archiver != nil {
		key, err := p.archiver.Archive(ctx, out, p.now().UTC())
		if err != nil {
			log.Warn().Err(err).Msg("prod config archive failed")
		} else {
			log.Debug().Str("key", key).Msg("prod config archived")
		}
	}
	return nil
}

func parseNode(data []byte) (*yaml.Node, error) {
	var doc yaml.Node
	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, errors.Wrapf(apperr.ErrInvalidConfig, "decode: %v", err)
		}
	}
	if doc.Kind == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode}
	}
	if len(doc.Content) == 0 {
		doc.Content = []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}
	}
	if doc.Kind != yaml.DocumentNode || doc.Content[0].Kind != yaml.MappingNode {
		return nil, errors.Wrap(apperr.ErrInvalidConfig, "top level is not a mapping")
	}
	return &doc, nil
}

func encodeNode(doc *yaml.Node) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, errors.Wrap(err, "encode prod config")
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Wrap(err, "encode prod config")
	}
	return buf.Bytes(), nil
}

func lookup(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

func setScalar(mapping *yaml.Node, key, tag, value string) {
	if n := lookup(mapping, key); n != nil {
		n.Kind = yaml.ScalarNode
		n.Tag = tag
		n.Value = value
		n.Style = 0
		n.Content = nil
		return
	}
	appendScalar(mapping, key, tag, value)
}

func appendScalar(mapping *yaml.Node, key, tag, value string) {
	mapping.Content = append(mapping.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: value},
	)
}

// writeAtomic replaces path with data via a synced temp file in the same directory.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create %s", dir)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return errors.Wrap(err, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return errors.Wrap(err, "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return errors.Wrap(err, "close temp file")
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return errors.Wrap(err, "chmod temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return errors.Wrapf(err, "replace %s", path)
	}
	return nil
}
