package model

import (
	"time"
)

type SourceKind string

const (
	SourceKindSite    SourceKind = "site"
	SourceKindChannel SourceKind = "channel"
)

func (k SourceKind) Valid() bool {
	switch k {
	case SourceKindSite, SourceKindChannel:
		return true
	}

	return false
}

type PostStatus string

const (
	PostStatusNew       PostStatus = "new"
	PostStatusGenerated PostStatus = "generated"
	PostStatusPublished PostStatus = "published"
	PostStatusFailed    PostStatus = "failed"
)

// Field limits applied to every candidate before it is stored.
const (
	MaxTitleLen   = 512
	MaxLinkLen    = 1024
	MaxSummaryLen = 5000
	MaxRawTextLen = 10000
)

// Limits on the fields of a configured source.
const (
	MaxSourceNameLen     = 255
	MaxSourceLocationLen = 1024
)

// Item is a candidate fetched from a source and not yet persisted.
type Item struct {
	Title       string
	Link        string
	Summary     string
	SourceName  string
	PublishedAt time.Time // UTC, время публикации в источнике
	RawText     string
	Fingerprint string
}

type Source struct {
	ID        int64
	Kind      SourceKind
	Name      string
	Location  string // feed url or channel identifier
	Enabled   bool
	CreatedAt time.Time
}

type Keyword struct {
	ID   int64
	Word string
}

// Article is an ingested content item. Rows are append-only.
type Article struct {
	ID          int64
	Title       string
	Link        string
	Summary     string
	SourceName  string
	PublishedAt time.Time
	RawText     string
	Fingerprint string
	CreatedAt   time.Time
}

// Post is the processing record paired one-to-one with an Article.
type Post struct {
	ID            int64
	NewsID        int64
	GeneratedText string
	PublishedAt   time.Time // zero until published
	Status        PostStatus
	Error         string
	CreatedAt     time.Time
}
