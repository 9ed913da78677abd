package mysqlstore

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
)

func TestNullable(t *testing.T) {
	if v := nullable(""); v.Valid {
		t.Error("Expected empty string to map to NULL")
	}
	if v := nullable("dev_1"); !v.Valid || v.String != "dev_1" {
		t.Errorf("Expected a valid dev_1, but got %+v", v)
	}
}

func TestIsDuplicate(t *testing.T) {
	dup := fmt.Errorf("wrapped: %w", &mysql.MySQLError{Number: erDupEntry, Message: "Duplicate entry"})
	if !isDuplicate(dup) {
		t.Error("Expected 1062 to be a duplicate")
	}
	if isDuplicate(&mysql.MySQLError{Number: 1146}) {
		t.Error("Expected other server errors not to be duplicates")
	}
	if isDuplicate(errors.New("plain")) {
		t.Error("Expected a plain error not to be a duplicate")
	}
}
