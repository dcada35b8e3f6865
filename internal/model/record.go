package model

// RawRow はCSVデータ行1行分の生の値を保持する。生成後は変更しない。
type RawRow struct {
	Line   int // ソースファイル上の行番号（1始まり）
	values map[string]string
}

// NewRawRow はヘッダーとフィールド列からRawRowを生成する。
// fieldsの要素数がheaderより少ない場合、不足分のカラムは欠損として扱う。
func NewRawRow(line int, header, fields []string) RawRow {
	values := make(map[string]string, len(header))
	for i, name := range header {
		if i < len(fields) {
			values[name] = fields[i]
		}
	}
	return RawRow{Line: line, values: values}
}

// Get はカラムの生の値を返す。欠損している場合はnil。
func (r RawRow) Get(column string) *string {
	v, ok := r.values[column]
	if !ok {
		return nil
	}
	return &v
}

// TransformedRecord は移行先の形に変換済みのレコード。
// Values は EntitySpec.DestFields() と同じ順序で並ぶ（先頭はID）。
type TransformedRecord struct {
	Entity   EntityType
	ID       string
	LegacyID string
	Line     int
	Values   []any
}

// Field は移行先フィールド名で値を取得する。
func (r TransformedRecord) Field(spec EntitySpec, dest string) (any, bool) {
	for i, name := range spec.DestFields() {
		if name == dest && i < len(r.Values) {
			return r.Values[i], true
		}
	}
	return nil, false
}
