package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"deepresearch/pkg"
)

// readCorpusFile loads documents from path. JSON files hold an array of
// documents; any other file becomes a single document sourced from its path.
func readCorpusFile(path string) ([]pkg.IngestDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read corpus file: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		var docs []pkg.IngestDocument
		if err := sonic.Unmarshal(data, &docs); err != nil {
			return nil, fmt.Errorf("decode corpus file %s: %w", path, err)
		}
		return docs, nil
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil, nil
	}
	return []pkg.IngestDocument{{Text: text, Source: "file://" + filepath.ToSlash(path)}}, nil
}

func (a *app) loadCorpus(cmd *cobra.Command) error {
	if len(a.corpus) == 0 {
		return nil
	}
	var docs []pkg.IngestDocument
	for _, path := range a.corpus {
		batch, err := readCorpusFile(path)
		if err != nil {
			return err
		}
		docs = append(docs, batch...)
	}
	if len(docs) == 0 {
		return nil
	}
	_, err := a.engine.Ingest(cmd.Context(), docs)
	return err
}
