package models

import (
	"reflect"
	"strings"
	"testing"
)

// gormTag extracts the gorm tag from a struct field.
func gormTag(t *testing.T, typ reflect.Type, fieldName string) string {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	return f.Tag.Get("gorm")
}

// assertGormTag checks that a struct field's gorm tag contains the expected value.
func assertGormTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	tag := gormTag(t, typ, fieldName)
	if !strings.Contains(tag, expected) {
		t.Errorf("%s.%s gorm tag = %q, want to contain %q", typ.Name(), fieldName, tag, expected)
	}
}

// assertFieldType checks that a struct field has the expected Go type.
func assertFieldType(t *testing.T, typ reflect.Type, fieldName, expectedType string) {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	got := f.Type.String()
	if got != expectedType {
		t.Errorf("%s.%s type = %q, want %q", typ.Name(), fieldName, got, expectedType)
	}
}

func TestMessageRecord_Fields(t *testing.T) {
	typ := reflect.TypeOf(MessageRecord{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "ExternalID", "uniqueIndex")
	assertGormTag(t, typ, "Content", "type:text")
	assertGormTag(t, typ, "SearchText", "type:text")
	assertGormTag(t, typ, "ScopeID", "index:idx_scope_identity_created,priority:1")
	assertGormTag(t, typ, "IdentityID", "index:idx_scope_identity_created,priority:2")
	assertGormTag(t, typ, "CreatedAt", "index:idx_scope_identity_created,priority:3")
	assertGormTag(t, typ, "IdentityID", "index:idx_identity_created,priority:1")

	// Nullable so records without a platform id never collide on the unique index.
	assertFieldType(t, typ, "ExternalID", "*string")
	assertFieldType(t, typ, "CreatedAt", "time.Time")
}

func TestState_PrimaryKeys(t *testing.T) {
	assertGormTag(t, reflect.TypeOf(ScopeState{}), "ScopeID", "primaryKey")
	assertGormTag(t, reflect.TypeOf(IdentityState{}), "IdentityID", "primaryKey")
	assertGormTag(t, reflect.TypeOf(UsageRecord{}), "IdentityID", "primaryKey")
}

func TestState_NoBoolDefaults(t *testing.T) {
	// A gorm default on a bool would make Create skip an explicit false.
	for _, c := range []struct {
		typ   reflect.Type
		field string
	}{
		{reflect.TypeOf(ScopeState{}), "Active"},
		{reflect.TypeOf(IdentityState{}), "Continuous"},
	} {
		if tag := gormTag(t, c.typ, c.field); strings.Contains(tag, "default:") {
			t.Errorf("%s.%s gorm tag = %q, want no default", c.typ.Name(), c.field, tag)
		}
	}
}

func TestMessageRecord_Attachments(t *testing.T) {
	var m MessageRecord
	if got := m.AttachmentList(); len(got) != 0 || got == nil {
		t.Errorf("AttachmentList() on blank = %#v, want empty non-nil slice", got)
	}

	m.SetAttachments(nil)
	if m.Attachments != "[]" {
		t.Errorf("Attachments = %q, want []", m.Attachments)
	}

	refs := []Attachment{
		{MimeType: "image/png", ContentRef: "file-1"},
		{MimeType: "application/pdf", ContentRef: "file-2"},
	}
	m.SetAttachments(refs)
	got := m.AttachmentList()
	if !reflect.DeepEqual(got, refs) {
		t.Errorf("AttachmentList() = %#v, want %#v", got, refs)
	}

	m.Attachments = "{not json"
	if got := m.AttachmentList(); len(got) != 0 {
		t.Errorf("AttachmentList() on malformed = %#v, want empty", got)
	}
}
