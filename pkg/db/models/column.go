package models

import (
	"fmt"
	"strings"
)

// ColumnDef describes one column of an analytics table.
type ColumnDef struct {
	Name string
	// Type is the ClickHouse data type, e.g. "UInt64" or "String".
	Type string
	// Codec is optional, e.g. "Delta, ZSTD(3)".
	Codec string
}

// SQL returns the column definition for CREATE TABLE statements.
func (c ColumnDef) SQL() string {
	if c.Codec != "" {
		return fmt.Sprintf("%s %s CODEC(%s)", c.Name, c.Type, c.Codec)
	}
	return fmt.Sprintf("%s %s", c.Name, c.Type)
}

// ColumnsToSchemaSQL joins the definitions for a CREATE TABLE body.
func ColumnsToSchemaSQL(columns []ColumnDef) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = c.SQL()
	}
	return strings.Join(parts, ",\n\t")
}

// ColumnsToNameList joins the column names for INSERT statements.
func ColumnsToNameList(columns []ColumnDef) string {
	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = c.Name
	}
	return strings.Join(names, ", ")
}

// StateEventColumns is the analytics layout of the event log.
var StateEventColumns = []ColumnDef{
	{Name: "namespace", Type: "LowCardinality(String)"},
	{Name: "entity_id", Type: "String", Codec: "ZSTD(1)"},
	{Name: "key_hex", Type: "String", Codec: "ZSTD(1)"},
	{Name: "value", Type: "String", Codec: "ZSTD(3)"},
	{Name: "block_height", Type: "UInt64", Codec: "Delta, ZSTD(3)"},
	{Name: "block_time", Type: "DateTime64(3)", Codec: "DoubleDelta, LZ4"},
	{Name: "deleted", Type: "Bool"},
}

// TransformationColumns is the analytics layout of transformations.
var TransformationColumns = []ColumnDef{
	{Name: "entity_id", Type: "String", Codec: "ZSTD(1)"},
	{Name: "name", Type: "String", Codec: "ZSTD(1)"},
	{Name: "value", Type: "Nullable(String)", Codec: "ZSTD(3)"},
	{Name: "block_height", Type: "UInt64", Codec: "Delta, ZSTD(3)"},
	{Name: "block_time", Type: "DateTime64(3)", Codec: "DoubleDelta, LZ4"},
}
