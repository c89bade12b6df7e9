package ledgergorm

import (
	"time"

	"gorm.io/datatypes"
)

type BlockRecord struct {
	ID            uint64         `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	DocumentID    string         `gorm:"column:document_id;type:varchar(255);not null;uniqueIndex" json:"document_id"`
	PreviousHash  *string        `gorm:"column:previous_hash;type:varchar(64);uniqueIndex" json:"previous_hash,omitempty"`
	Hash          string         `gorm:"column:hash;type:varchar(64);not null;uniqueIndex" json:"hash"`
	ContentHash   string         `gorm:"column:content_hash;type:varchar(64);not null;index" json:"content_hash"`
	SignatureData string         `gorm:"column:signature_data;type:text;not null;default:''" json:"signature_data"`
	Metadata      datatypes.JSON `gorm:"column:metadata;not null" json:"metadata"`
	CreatedAt     time.Time      `gorm:"column:created_at;not null;index;autoCreateTime:false" json:"created_at"`
}

func (BlockRecord) TableName() string { return "ledger_blocks" }

type DocumentRecord struct {
	DocumentID   string    `gorm:"column:document_id;type:varchar(255);primaryKey" json:"document_id"`
	Status       string    `gorm:"column:status;type:varchar(32);not null" json:"status"`
	ArtifactPath string    `gorm:"column:artifact_path;type:text;not null;default:''" json:"artifact_path"`
	ErrorMessage string    `gorm:"column:error_message;type:text;not null;default:''" json:"error_message"`
	UpdatedAt    time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false" json:"updated_at"`
}

func (DocumentRecord) TableName() string { return "documents" }
