package chat

import (
	"sync"
	"testing"

	"gorm.io/gorm/schema"
)

func TestMessageCreatedAtKeepsMicroseconds(t *testing.T) {
	s, err := schema.Parse(&Message{}, &sync.Map{}, schema.NamingStrategy{})
	if err != nil {
		t.Fatalf("parse schema: %v", err)
	}
	field := s.LookUpField("CreatedAt")
	if field == nil {
		t.Fatal("CreatedAt not mapped")
	}
	// history is ordered by created_at; MySQL defaults to milliseconds otherwise
	if field.Precision != 6 {
		t.Fatalf("expected precision 6, got %d", field.Precision)
	}
}
