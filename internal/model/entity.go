// Package model はマイグレーションパイプラインのドメインモデルを定義する。
package model

// EntityType は移行対象のエンティティ種別を表す。
type EntityType string

const (
	EntityUser            EntityType = "users"
	EntityCompanySettings EntityType = "company_settings"
	EntityClient          EntityType = "clients"
	EntityProject         EntityType = "projects"
	EntityTask            EntityType = "tasks"
	EntityTimeEntry       EntityType = "time_entries"
)

// FieldType はカラムの宣言型を表す。
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldInteger FieldType = "integer"
	FieldDecimal FieldType = "decimal"
	FieldBoolean FieldType = "boolean"
	FieldDate    FieldType = "date"
	FieldJSON    FieldType = "json"
)

// JSONPolicy はJSONカラムの修復失敗時の扱いを表す。
type JSONPolicy string

const (
	// JSONSoft は修復失敗時にnullを設定して行の取り込みを続行する。
	JSONSoft JSONPolicy = "soft"
	// JSONRequired は修復失敗時に行を拒否する。
	JSONRequired JSONPolicy = "required"
)

// Column はCSVカラム1つ分の定義。
type Column struct {
	Name string    // CSVヘッダー上の名前
	Dest string    // 移行先のフィールド名
	Type FieldType // 宣言型

	// Ref が空でない場合、このカラムは参照先エンティティのレガシーIDを保持する外部キー。
	Ref EntityType
	// RefByEmail がtrueの場合、IDマップではなくメールアドレスでユーザーを解決する。
	RefByEmail bool

	JSONPolicy JSONPolicy // Type == FieldJSON の場合のみ有効
	HTML       bool       // リッチテキスト。取り込み前にサニタイズする

	LegacyID   bool // 行自身のレガシーID
	NaturalKey bool // 行自身の自然キー（ユーザーのメールアドレス）
}

// IsForeignKey はカラムが外部キーかどうかを返す。
func (c Column) IsForeignKey() bool {
	return c.Ref != "" || c.RefByEmail
}

// EntitySpec はエンティティ種別ごとの静的なスキーマ定義。
// 1度定義したら変更しない。
type EntitySpec struct {
	Entity  EntityType
	File    string // ソースCSVファイル名
	Table   string // 移行先テーブル名
	Columns []Column
}

// ColumnNames はCSVヘッダーとして期待されるカラム名を定義順に返す。
func (s EntitySpec) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// DestFields は移行先テーブルのカラム名を返す。先頭は常に "id"。
func (s EntitySpec) DestFields() []string {
	fields := []string{"id"}
	for _, c := range s.Columns {
		fields = append(fields, c.Dest)
	}
	return fields
}

// References は外部キーで参照しているエンティティ種別を重複なく返す。
// メールアドレス参照はユーザーへの参照として扱う。
func (s EntitySpec) References() []EntityType {
	seen := make(map[EntityType]bool)
	var refs []EntityType
	for _, c := range s.Columns {
		var target EntityType
		switch {
		case c.Ref != "":
			target = c.Ref
		case c.RefByEmail:
			target = EntityUser
		default:
			continue
		}
		if !seen[target] {
			seen[target] = true
			refs = append(refs, target)
		}
	}
	return refs
}

// LegacyIDColumn は行自身のレガシーIDカラムを返す。存在しない場合はfalse。
func (s EntitySpec) LegacyIDColumn() (Column, bool) {
	for _, c := range s.Columns {
		if c.LegacyID {
			return c, true
		}
	}
	return Column{}, false
}
