package transform

import "github.com/hitoshi/crmigrate/internal/model"

// 各エンティティのスキーマ定義。カラム順はレガシーエクスポートのヘッダー順と一致する。
var (
	UserSpec = model.EntitySpec{
		Entity: model.EntityUser,
		File:   "users.csv",
		Table:  "users",
		Columns: []model.Column{
			{Name: "id", Dest: "legacy_id", Type: model.FieldString, LegacyID: true},
			{Name: "email", Dest: "email", Type: model.FieldString, NaturalKey: true},
			{Name: "full_name", Dest: "full_name", Type: model.FieldString},
			{Name: "role", Dest: "role", Type: model.FieldString},
			{Name: "hourly_rate", Dest: "hourly_rate", Type: model.FieldDecimal},
			{Name: "is_active", Dest: "is_active", Type: model.FieldBoolean},
			{Name: "created_at", Dest: "created_at", Type: model.FieldDate},
		},
	}

	CompanySettingsSpec = model.EntitySpec{
		Entity: model.EntityCompanySettings,
		File:   "company_settings.csv",
		Table:  "company_settings",
		Columns: []model.Column{
			{Name: "id", Dest: "legacy_id", Type: model.FieldString, LegacyID: true},
			{Name: "company_name", Dest: "company_name", Type: model.FieldString},
			{Name: "address", Dest: "address", Type: model.FieldString},
			{Name: "tax_rate", Dest: "tax_rate", Type: model.FieldDecimal},
			{Name: "currency", Dest: "currency", Type: model.FieldString},
			{Name: "invoice_prefix", Dest: "invoice_prefix", Type: model.FieldString},
			{Name: "payment_terms", Dest: "payment_terms", Type: model.FieldInteger},
			{Name: "branding", Dest: "branding", Type: model.FieldJSON, JSONPolicy: model.JSONSoft},
		},
	}

	ClientSpec = model.EntitySpec{
		Entity: model.EntityClient,
		File:   "clients.csv",
		Table:  "clients",
		Columns: []model.Column{
			{Name: "id", Dest: "legacy_id", Type: model.FieldString, LegacyID: true},
			{Name: "name", Dest: "name", Type: model.FieldString},
			{Name: "email", Dest: "email", Type: model.FieldString},
			{Name: "phone", Dest: "phone", Type: model.FieldString},
			{Name: "address", Dest: "address", Type: model.FieldString},
			{Name: "notes", Dest: "notes", Type: model.FieldString, HTML: true},
			{Name: "contacts", Dest: "contacts", Type: model.FieldJSON, JSONPolicy: model.JSONSoft},
			{Name: "is_active", Dest: "is_active", Type: model.FieldBoolean},
			{Name: "created_at", Dest: "created_at", Type: model.FieldDate},
		},
	}

	ProjectSpec = model.EntitySpec{
		Entity: model.EntityProject,
		File:   "projects.csv",
		Table:  "projects",
		Columns: []model.Column{
			{Name: "id", Dest: "legacy_id", Type: model.FieldString, LegacyID: true},
			{Name: "client_id", Dest: "client_id", Type: model.FieldString, Ref: model.EntityClient},
			{Name: "name", Dest: "name", Type: model.FieldString},
			{Name: "description", Dest: "description", Type: model.FieldString, HTML: true},
			{Name: "status", Dest: "status", Type: model.FieldString},
			{Name: "budget", Dest: "budget", Type: model.FieldDecimal},
			{Name: "hourly_rate", Dest: "hourly_rate", Type: model.FieldDecimal},
			{Name: "start_date", Dest: "start_date", Type: model.FieldDate},
			{Name: "end_date", Dest: "end_date", Type: model.FieldDate},
			{Name: "tags", Dest: "tags", Type: model.FieldJSON, JSONPolicy: model.JSONSoft},
			{Name: "custom_fields", Dest: "custom_fields", Type: model.FieldJSON, JSONPolicy: model.JSONRequired},
		},
	}

	TaskSpec = model.EntitySpec{
		Entity: model.EntityTask,
		File:   "tasks.csv",
		Table:  "tasks",
		Columns: []model.Column{
			{Name: "id", Dest: "legacy_id", Type: model.FieldString, LegacyID: true},
			{Name: "project_id", Dest: "project_id", Type: model.FieldString, Ref: model.EntityProject},
			{Name: "title", Dest: "title", Type: model.FieldString},
			{Name: "description", Dest: "description", Type: model.FieldString, HTML: true},
			{Name: "status", Dest: "status", Type: model.FieldString},
			{Name: "priority", Dest: "priority", Type: model.FieldInteger},
			{Name: "estimated_hours", Dest: "estimated_hours", Type: model.FieldDecimal},
			{Name: "due_date", Dest: "due_date", Type: model.FieldDate},
			{Name: "is_billable", Dest: "is_billable", Type: model.FieldBoolean},
			{Name: "checklist", Dest: "checklist", Type: model.FieldJSON, JSONPolicy: model.JSONSoft},
		},
	}

	TimeEntrySpec = model.EntitySpec{
		Entity: model.EntityTimeEntry,
		File:   "time_entries.csv",
		Table:  "time_entries",
		Columns: []model.Column{
			{Name: "id", Dest: "legacy_id", Type: model.FieldString, LegacyID: true},
			{Name: "project_id", Dest: "project_id", Type: model.FieldString, Ref: model.EntityProject},
			{Name: "task_id", Dest: "task_id", Type: model.FieldString, Ref: model.EntityTask},
			{Name: "user_email", Dest: "user_id", Type: model.FieldString, RefByEmail: true},
			{Name: "date", Dest: "entry_date", Type: model.FieldDate},
			{Name: "hours", Dest: "hours", Type: model.FieldDecimal},
			{Name: "description", Dest: "description", Type: model.FieldString},
			{Name: "is_billable", Dest: "is_billable", Type: model.FieldBoolean},
			{Name: "hourly_rate", Dest: "hourly_rate", Type: model.FieldDecimal},
		},
	}
)

// Specs は処理順（依存される側が先）に並べたエンティティ定義を返す。
func Specs() []model.EntitySpec {
	return []model.EntitySpec{
		UserSpec,
		CompanySettingsSpec,
		ClientSpec,
		ProjectSpec,
		TaskSpec,
		TimeEntrySpec,
	}
}

// Lookup はエンティティ種別から定義を返す。
func Lookup(entity model.EntityType) (model.EntitySpec, bool) {
	for _, s := range Specs() {
		if s.Entity == entity {
			return s, true
		}
	}
	return model.EntitySpec{}, false
}
