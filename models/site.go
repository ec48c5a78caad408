package models

import "time"

type Site struct {
	ID           int64     `json:"id"`
	OwnerID      int       `json:"ownerId"`
	Name         string    `json:"name"`
	Domain       string    `json:"domain"`
	TrackingCode string    `json:"trackingCode"`
	CreatedAt    time.Time `json:"createdAt"`
}

type CreateSiteRequest struct {
	Name   string `json:"name" binding:"required,max=128"`
	Domain string `json:"domain" binding:"required,max=255"`
}
