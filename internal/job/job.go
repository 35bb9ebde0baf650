// Package job defines the booking model and its status state machine.
package job

import (
	"time"
)

// Status is a booking's lifecycle status.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAccepted   Status = "accepted"
	StatusOnTheWay   Status = "on_the_way"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusDeclined   Status = "declined"
	StatusCancelled  Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusOnTheWay,
		StatusInProgress, StatusCompleted, StatusDeclined, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusDeclined, StatusCancelled:
		return true
	}
	return false
}

// transitions maps each target status to its allowed source statuses.
var transitions = map[Status][]Status{
	StatusAccepted:   {StatusPending},
	StatusOnTheWay:   {StatusAccepted},
	StatusInProgress: {StatusAccepted, StatusOnTheWay}, // some flows skip travel
	StatusCompleted:  {StatusInProgress},
	StatusDeclined:   {StatusPending},
	StatusCancelled:  {StatusPending, StatusAccepted, StatusOnTheWay},
}

// CanTransition reports whether from -> to is an allowed move. A job
// physically underway is never cancellable through the engine.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// AllowedSources returns the source statuses from which to is reachable.
func AllowedSources(to Status) []Status {
	return transitions[to]
}

// Location is a service address with optional coordinates.
type Location struct {
	Address string   `json:"address"`
	Lat     *float64 `json:"lat,omitempty"`
	Lng     *float64 `json:"lng,omitempty"`
}

// Job is one scheduled service engagement between a requester and a
// fulfiller. GrossPrice is in currency minor units; FeeRate is a fraction.
type Job struct {
	ID              string     `json:"id"`
	Status          Status     `json:"status"`
	RequesterID     string     `json:"requesterId"`
	FulfillerID     string     `json:"fulfillerId,omitempty"` // empty until accepted
	ScheduledAt     time.Time  `json:"scheduledAt"`
	DurationMinutes int        `json:"durationMinutes"`
	GrossPrice      int64      `json:"grossPrice"`
	FeeRate         float64    `json:"feeRate"`
	AddOns          []string   `json:"addOns,omitempty"`
	Location        Location   `json:"location"`
	CreatedAt       time.Time  `json:"createdAt"`
	AcceptedAt      *time.Time `json:"acceptedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

// IsFulfiller reports whether partyID is the assigned fulfiller.
func (j *Job) IsFulfiller(partyID string) bool {
	return j.FulfillerID != "" && j.FulfillerID == partyID
}

// IsParty reports whether partyID is the requester or assigned fulfiller.
func (j *Job) IsParty(partyID string) bool {
	return j.RequesterID == partyID || j.IsFulfiller(partyID)
}

// Clone returns a deep copy. The mirror hands out clones so callers never
// mutate cached state in place.
func (j *Job) Clone() *Job {
	cp := *j
	if j.AddOns != nil {
		cp.AddOns = append([]string(nil), j.AddOns...)
	}
	if j.AcceptedAt != nil {
		t := *j.AcceptedAt
		cp.AcceptedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	if j.Location.Lat != nil {
		v := *j.Location.Lat
		cp.Location.Lat = &v
	}
	if j.Location.Lng != nil {
		v := *j.Location.Lng
		cp.Location.Lng = &v
	}
	return &cp
}
