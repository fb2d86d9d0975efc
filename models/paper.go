package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
)

type PaperSource string

const (
	PaperSourceUpload PaperSource = "upload"
	PaperSourceZotero PaperSource = "zotero"
)

// ChunkType classifies a chunk by the paper section it was cut from.
type ChunkType string

const (
	ChunkTypeAbstract   ChunkType = "abstract"
	ChunkTypeIntro      ChunkType = "intro"
	ChunkTypeMethods    ChunkType = "methods"
	ChunkTypeResults    ChunkType = "results"
	ChunkTypeDiscussion ChunkType = "discussion"
	ChunkTypeConclusion ChunkType = "conclusion"
	ChunkTypeReferences ChunkType = "references"
	ChunkTypeBody       ChunkType = "body"
)

// Paper is a bibliographic unit in the local corpus.
type Paper struct {
	ID       uuid.UUID      `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	Title    string         `json:"title" gorm:"not null"`
	Authors  datatypes.JSON `json:"authors" gorm:"type:jsonb;default:'[]'"`
	Year     *int           `json:"year,omitempty"`
	Journal  string         `json:"journal,omitempty"`
	Abstract string         `json:"abstract,omitempty"`

	// External identifiers. Empty strings are normalised to NULL before
	// persistence so the unique indexes hold.
	DOI       *string `json:"doi,omitempty" gorm:"uniqueIndex;type:varchar(255)"`
	ArxivID   *string `json:"arxiv_id,omitempty" gorm:"column:arxiv_id;uniqueIndex;type:varchar(255)"`
	PubmedID  *string `json:"pubmed_id,omitempty" gorm:"column:pubmed_id;uniqueIndex;type:varchar(255)"`
	ZoteroKey *string `json:"zotero_key,omitempty" gorm:"uniqueIndex;type:varchar(255)"`

	FullText string      `json:"-" gorm:"type:text"`
	Source   PaperSource `json:"source" gorm:"type:varchar(50);not null;default:'upload'"`

	IsProcessed     bool   `json:"is_processed" gorm:"default:false"`
	ProcessingError string `json:"processing_error,omitempty" gorm:"type:varchar(500)"`

	FilePath string `json:"file_path,omitempty"`
	FileHash string `json:"file_hash,omitempty" gorm:"index;type:varchar(64)"`

	// Paper-level embedding computed from the abstract (or first chunk).
	Embedding *pgvector.Vector `json:"-" gorm:"type:vector(384)"`

	CitationCount int    `json:"citation_count" gorm:"default:0"`
	VenueRank     string `json:"venue_rank,omitempty" gorm:"type:varchar(10)"`

	Chunks []PaperChunk `json:"-" gorm:"foreignKey:PaperID;constraint:OnDelete:CASCADE"`

	CreatedAt time.Time `json:"created_at" gorm:"not null;default:now()"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null;default:now()"`
}

func (Paper) TableName() string {
	return "papers"
}

// AuthorList decodes the JSON authors column into a string slice.
func (p *Paper) AuthorList() []string {
	var authors []string
	if len(p.Authors) == 0 {
		return authors
	}
	_ = jsonUnmarshal(p.Authors, &authors)
	return authors
}

// SetAuthors encodes a string slice into the JSON authors column.
func (p *Paper) SetAuthors(authors []string) error {
	j, err := ConvertToJSON(authors)
	if err != nil {
		return err
	}
	p.Authors = j
	return nil
}

// NormalizeIdentifier converts empty or whitespace-only identifiers to nil.
func NormalizeIdentifier(s string) *string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

// PageBoundary records how much of a chunk falls on a given page.
type PageBoundary struct {
	Page    int     `json:"page"`
	Percent float64 `json:"percent"`
}

// PaperChunk is a retrievable fragment of one paper.
type PaperChunk struct {
	ID      uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	PaperID uuid.UUID `json:"paper_id" gorm:"type:uuid;not null;index:idx_paper_chunk,unique"`

	ChunkText  string `json:"chunk_text" gorm:"type:text;not null"`
	ChunkIndex int    `json:"chunk_index" gorm:"not null;index:idx_paper_chunk,unique"`

	StartChar int `json:"start_char" gorm:"not null"`
	EndChar   int `json:"end_char" gorm:"not null"`

	SectionTitle string    `json:"section_title,omitempty"`
	ChunkType    ChunkType `json:"chunk_type,omitempty" gorm:"type:varchar(50)"`
	WordCount    int       `json:"word_count" gorm:"default:0"`

	Embedding pgvector.Vector `json:"-" gorm:"type:vector(384)"`

	PageStart      *int           `json:"page_start,omitempty"`
	PageEnd        *int           `json:"page_end,omitempty"`
	PageBoundaries datatypes.JSON `json:"page_boundaries,omitempty" gorm:"type:jsonb"`

	CreatedAt time.Time `json:"created_at" gorm:"not null;default:now()"`
}

func (PaperChunk) TableName() string {
	return "paper_chunks"
}

// Boundaries decodes the page_boundaries JSON column.
func (c *PaperChunk) Boundaries() []PageBoundary {
	var b []PageBoundary
	if len(c.PageBoundaries) == 0 {
		return b
	}
	_ = jsonUnmarshal(c.PageBoundaries, &b)
	return b
}

// SetBoundaries encodes per-page overlap into the page_boundaries column.
func (c *PaperChunk) SetBoundaries(b []PageBoundary) error {
	j, err := ConvertToJSON(b)
	if err != nil {
		return err
	}
	c.PageBoundaries = j
	return nil
}

// PageRange maps one page to its half-open character range in the full text.
type PageRange struct {
	PageNumber int `json:"page_number"`
	StartChar  int `json:"start_char"`
	EndChar    int `json:"end_char"`
}

type PaperListResponse struct {
	Papers []Paper `json:"papers"`
	Total  int64   `json:"total"`
	Page   int     `json:"page"`
	Size   int     `json:"size"`
}

// UploadResponse is returned by the paper upload endpoint. Duplicate uploads
// (same content hash) return the existing paper with Duplicate set.
type UploadResponse struct {
	PaperID   uuid.UUID `json:"paperId"`
	Title     string    `json:"title"`
	Duplicate bool      `json:"duplicate"`
	Message   string    `json:"message,omitempty"`
}
