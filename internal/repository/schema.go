package repository

import (
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"

	"github.com/joseph-ayodele/health-records/constants"
)

const (
	documentsTable    = "documents"
	queueEntriesTable = "queue_entries"
)

var (
	// DocumentsColumns holds the columns for the "documents" table.
	DocumentsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeUUID},
		{Name: "owner_id", Type: field.TypeUUID},
		{Name: "storage_key", Type: field.TypeString, Size: 1024},
		{Name: "filename", Type: field.TypeString, Size: 512},
		{Name: "file_ext", Type: field.TypeString, Size: 16},
		{Name: "content_type", Type: field.TypeString, Size: 128},
		{Name: "content_sha256", Type: field.TypeString, Size: 64},
		{Name: "file_size", Type: field.TypeInt64},
		{Name: "uploaded_at", Type: field.TypeTime},
		{Name: "result", Type: field.TypeJSON, Nullable: true},
		{Name: "hybrid", Type: field.TypeBool, Nullable: true},
		{Name: "processed_at", Type: field.TypeTime, Nullable: true},
	}
	// DocumentsTable holds the schema information for the "documents" table.
	DocumentsTable = &schema.Table{
		Name:       documentsTable,
		Columns:    DocumentsColumns,
		PrimaryKey: []*schema.Column{DocumentsColumns[0]},
		Indexes: []*schema.Index{
			{
				Name:    "document_owner_id_content_sha256",
				Unique:  true,
				Columns: []*schema.Column{DocumentsColumns[1], DocumentsColumns[6]},
			},
		},
	}
	// QueueEntriesColumns holds the columns for the "queue_entries" table.
	QueueEntriesColumns = []*schema.Column{
		{Name: "id", Type: field.TypeUUID},
		{Name: "owner_id", Type: field.TypeUUID},
		{Name: "document_id", Type: field.TypeUUID},
		{Name: "priority", Type: field.TypeInt, Default: 0},
		{Name: "status", Type: field.TypeEnum, Enums: constants.QueueStatusStrings(), Default: string(constants.QueueStatusQueued)},
		{Name: "attempt_count", Type: field.TypeInt, Default: 0},
		{Name: "max_attempts", Type: field.TypeInt, Default: 3},
		{Name: "error_message", Type: field.TypeString, Size: 2147483647, Nullable: true},
		{Name: "processing_started_at", Type: field.TypeTime, Nullable: true},
		{Name: "processing_completed_at", Type: field.TypeTime, Nullable: true},
		{Name: "processing_time_ms", Type: field.TypeInt64, Nullable: true},
		{Name: "processing_phase", Type: field.TypeString, Size: 64, Default: ""},
		{Name: "progress_percentage", Type: field.TypeInt, Default: 0},
		{Name: "metadata", Type: field.TypeJSON, Nullable: true},
		{Name: "claim_token", Type: field.TypeUUID, Nullable: true},
		{Name: "version", Type: field.TypeInt64, Default: 1},
		{Name: "created_at", Type: field.TypeTime},
		{Name: "updated_at", Type: field.TypeTime},
	}
	// QueueEntriesTable holds the schema information for the "queue_entries" table.
	QueueEntriesTable = &schema.Table{
		Name:       queueEntriesTable,
		Columns:    QueueEntriesColumns,
		PrimaryKey: []*schema.Column{QueueEntriesColumns[0]},
		ForeignKeys: []*schema.ForeignKey{
			{
				Symbol:     "queue_entries_documents_document",
				Columns:    []*schema.Column{QueueEntriesColumns[2]},
				RefColumns: []*schema.Column{DocumentsColumns[0]},
				OnDelete:   schema.Cascade,
			},
		},
		Indexes: []*schema.Index{
			{
				Name:    "queueentry_owner_id_status",
				Unique:  false,
				Columns: []*schema.Column{QueueEntriesColumns[1], QueueEntriesColumns[4]},
			},
			{
				Name:    "queueentry_status_priority_created_at",
				Unique:  false,
				Columns: []*schema.Column{QueueEntriesColumns[4], QueueEntriesColumns[3], QueueEntriesColumns[16]},
			},
			{
				Name:    "queueentry_document_id",
				Unique:  false,
				Columns: []*schema.Column{QueueEntriesColumns[2]},
			},
		},
	}
	// Tables holds all the tables in the schema.
	Tables = []*schema.Table{
		DocumentsTable,
		QueueEntriesTable,
	}
)

func init() {
	QueueEntriesTable.ForeignKeys[0].RefTable = DocumentsTable
}
