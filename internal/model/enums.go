package model

type PairingStatus string

const (
	PairingStatusPending PairingStatus = "pending"
	PairingStatusLinked  PairingStatus = "linked"
	PairingStatusExpired PairingStatus = "expired"
)

type CarouselStatus string

const (
	CarouselStatusActive   CarouselStatus = "active"
	CarouselStatusDraft    CarouselStatus = "draft"
	CarouselStatusArchived CarouselStatus = "archived"
)

type MediaType string

const (
	MediaTypeImage MediaType = "image"
	MediaTypeVideo MediaType = "video"
)
