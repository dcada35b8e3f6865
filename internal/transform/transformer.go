// Package transform はCSVの1行を移行先のレコードに変換する。
package transform

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hitoshi/crmigrate/internal/coerce"
	"github.com/hitoshi/crmigrate/internal/identity"
	"github.com/hitoshi/crmigrate/internal/model"
	"github.com/hitoshi/crmigrate/internal/security"
)

var errMissingNaturalKey = errors.New("natural key is empty")

// Transformer はFieldCoercerとIdentityRemapperを組み合わせて行を変換する。
// IDマップとユーザーディレクトリは呼び出し側から渡し、グローバル状態は持たない。
type Transformer struct {
	ids       *identity.Remapper
	users     *identity.Directory
	sanitizer security.Sanitizer
}

// New はTransformerを生成する。sanitizerがnilの場合、HTMLカラムはそのまま取り込む。
func New(ids *identity.Remapper, users *identity.Directory, sanitizer security.Sanitizer) *Transformer {
	return &Transformer{ids: ids, users: users, sanitizer: sanitizer}
}

// Transform は1行を変換する。
//
// 戻り値の警告（参照先不明、JSON修復失敗のsoftカラム）は行を受理したうえで記録するもの。
// 必須JSONカラムの修復失敗などで行を受理できない場合は *model.RowError を返す。
// 行自身のIDは全カラムの変換に成功した後でのみ割り当てる。
func (t *Transformer) Transform(row model.RawRow, spec model.EntitySpec) (model.TransformedRecord, []model.RowIssue, error) {
	legacyID := ""
	if col, ok := spec.LegacyIDColumn(); ok {
		if raw := row.Get(col.Name); raw != nil {
			legacyID = strings.TrimSpace(*raw)
		}
	}

	var (
		warnings   []model.RowIssue
		naturalKey string
		hasNatural bool
	)
	values := make([]any, len(spec.Columns)+1)

	for i, col := range spec.Columns {
		raw := row.Get(col.Name)

		switch {
		case col.IsForeignKey():
			id, issue := t.resolveReference(col, raw)
			if issue != nil {
				issue.Line = row.Line
				issue.LegacyID = legacyID
				warnings = append(warnings, *issue)
			}
			if id != "" {
				values[i+1] = id
			}
			continue
		case col.LegacyID:
			if legacyID != "" {
				values[i+1] = legacyID
			}
			continue
		}

		v, err := coerce.Coerce(raw, col.Type)
		if err != nil {
			if col.Type == model.FieldJSON && col.JSONPolicy != model.JSONRequired {
				warnings = append(warnings, model.RowIssue{
					Line:     row.Line,
					LegacyID: legacyID,
					Column:   col.Name,
					Kind:     model.KindSoftJSON,
					Reason:   err.Error(),
				})
				continue
			}
			return model.TransformedRecord{}, nil, &model.RowError{Line: row.Line, LegacyID: legacyID, Column: col.Name, Err: err}
		}

		if s, ok := v.(string); ok && col.HTML && t.sanitizer != nil {
			v = t.sanitizer.Sanitize(s)
		}
		if col.NaturalKey {
			hasNatural = true
			if s, ok := v.(string); ok {
				naturalKey = s
			}
		}
		values[i+1] = v
	}

	var id string
	switch {
	case hasNatural:
		registered, ok := t.users.Register(naturalKey)
		if !ok {
			return model.TransformedRecord{}, nil, &model.RowError{Line: row.Line, LegacyID: legacyID, Err: errMissingNaturalKey}
		}
		id = registered
	default:
		id = t.ids.Assign(spec.Entity, legacyID)
	}
	values[0] = id

	return model.TransformedRecord{
		Entity:   spec.Entity,
		ID:       id,
		LegacyID: legacyID,
		Line:     row.Line,
		Values:   values,
	}, warnings, nil
}

// resolveReference は外部キーを解決する。値が空またはnullの場合は警告なしでnullとする。
func (t *Transformer) resolveReference(col model.Column, raw *string) (string, *model.RowIssue) {
	if raw == nil {
		return "", nil
	}
	key := strings.TrimSpace(*raw)
	if key == "" || strings.EqualFold(key, "null") {
		return "", nil
	}

	var (
		id     string
		ok     bool
		target = col.Ref
	)
	if col.RefByEmail {
		target = model.EntityUser
		id, ok = t.users.Lookup(key)
	} else {
		id, ok = t.ids.Resolve(col.Ref, key)
	}
	if ok {
		return id, nil
	}

	return "", &model.RowIssue{
		Column: col.Name,
		Kind:   model.KindDanglingReference,
		Reason: fmt.Sprintf("%s %q not found", target, key),
	}
}
