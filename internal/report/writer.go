// Package report はインポートレポートをファイルや端末へ出力する。
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/crmigrate/internal/model"
)

// Format はレポートの出力形式。
type Format string

// 対応する出力形式
const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatXLSX Format = "xlsx"
)

// FormatFromPath は拡張子から出力形式を判定する。
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".xlsx":
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("unsupported report format %q (use .json, .yaml, .yml or .xlsx)", filepath.Ext(path))
	}
}

// Write は指定形式でレポートを書き出す。
func Write(w io.Writer, format Format, view model.ImportReportView) error {
	switch format {
	case FormatJSON:
		return WriteJSON(w, view)
	case FormatYAML:
		return WriteYAML(w, view)
	case FormatXLSX:
		return WriteXLSX(w, view)
	default:
		return fmt.Errorf("unsupported report format %q", format)
	}
}

// WriteFile は拡張子に応じた形式でレポートをファイルに保存する。
func WriteFile(path string, view model.ImportReportView) error {
	format, err := FormatFromPath(path)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	if err := Write(f, format, view); err != nil {
		f.Close()
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close report file: %w", err)
	}
	return nil
}

// WriteJSON はレポートをインデント付きJSONで書き出す。
func WriteJSON(w io.Writer, view model.ImportReportView) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}

// WriteYAML はレポートをYAMLで書き出す。
func WriteYAML(w io.Writer, view model.ImportReportView) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(view); err != nil {
		return err
	}
	return enc.Close()
}
