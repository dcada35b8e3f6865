package identity

import (
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// userNamespace はユーザーIDを導出するためのUUIDv5名前空間。
// 値を変えると既存ユーザーのIDが変わるため変更しないこと。
var userNamespace = uuid.MustParse("6f1c9a52-3d0e-4b8e-9a51-2c7d4e8f0b13")

// Directory はユーザーをメールアドレス（自然キー）で解決する。
// IDマップとは独立しており、IDは正規化済みメールアドレスから決定的に導出する。
type Directory struct {
	mu    sync.RWMutex
	users map[string]string
}

// NewDirectory は空のDirectoryを生成する。
func NewDirectory() *Directory {
	return &Directory{users: make(map[string]string)}
}

// NormalizeEmail は前後の空白を除去し、Unicode正規化(NFC)と大文字小文字の畳み込みを行う。
func NormalizeEmail(email string) string {
	s := norm.NFC.String(strings.TrimSpace(email))
	return cases.Fold().String(s)
}

// Register はユーザーを登録してIDを返す。メールアドレスが空の場合はfalse。
func (d *Directory) Register(email string) (string, bool) {
	key := NormalizeEmail(email)
	if key == "" {
		return "", false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if id, ok := d.users[key]; ok {
		return id, true
	}
	id := uuid.NewSHA1(userNamespace, []byte(key)).String()
	d.users[key] = id
	return id, true
}

// Lookup は登録済みユーザーのIDを返す。
func (d *Directory) Lookup(email string) (string, bool) {
	key := NormalizeEmail(email)
	if key == "" {
		return "", false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	id, ok := d.users[key]
	return id, ok
}

// Len は登録済みユーザー数を返す。
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}
