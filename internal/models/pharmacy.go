package models

import (
	"time"
	_ "time/tzdata"
)

const DefaultTimezone = "UTC"

type Pharmacy struct {
	ID                    int64
	Name                  string
	Address               string
	Phone                 string
	Timezone              string
	DailyDigitalTurnLimit int
}

// Location resolves the pharmacy's calendar-day zone, falling back to UTC.
func (p *Pharmacy) Location() *time.Location {
	if p == nil || p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type Medication struct {
	Code        string
	Name        string
	Description string
}
