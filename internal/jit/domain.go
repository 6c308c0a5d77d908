package jit

import (
	"time"

	"github.com/lunzai/arguspam-sub003/internal/dbdriver"
	"github.com/lunzai/arguspam-sub003/internal/session"
)

// AccountType discriminates long-lived admin identities from ephemeral ones.
type AccountType string

const (
	AccountTypeAdmin AccountType = "admin"
	AccountTypeJIT   AccountType = "jit"
)

// Asset is a registered database target.
type Asset struct {
	ID        int64
	OrgID     int64
	Name      string
	Engine    dbdriver.Engine
	Host      string
	Port      int
	Databases []string
}

// Target converts the asset into driver connection parameters.
func (a Asset) Target() dbdriver.Target {
	return dbdriver.Target{Engine: a.Engine, Host: a.Host, Port: a.Port}
}

// Account is an admin or JIT database identity owned by an asset.
type Account struct {
	ID                int64
	AssetID           int64
	SessionID         *int64
	Type              AccountType
	Username          string
	EncryptedPassword string
	Databases         []string
	Scope             dbdriver.Scope
	ExpiresAt         *time.Time
	IsActive          bool
	CreatedBy         *int64
	CreatedAt         time.Time
	// Password is the plaintext credential, populated only when an account
	// is handed back to the requester.
	Password string
}

// Request is the approved access request a session was created from.
type Request struct {
	ID        int64
	OrgID     int64
	Scope     dbdriver.Scope
	Databases []string
	Purpose   string
}

// Session is one approved, time-boxed access grant.
type Session struct {
	ID                int64
	OrgID             int64
	RequestID         int64
	AssetID           int64
	RequesterID       int64
	Status            session.Status
	ScheduledStart    time.Time
	ScheduledEnd      time.Time
	ActualStart       *time.Time
	ActualEnd         *time.Time
	RequestedDuration int
	ActualDuration    *int
	AssetAccountID    *int64
	AccountName       string
	UpdatedBy         *int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Window exposes the fields the state machine gates on.
func (s Session) Window() session.Window {
	return session.Window{Status: s.Status, ScheduledStart: s.ScheduledStart, ScheduledEnd: s.ScheduledEnd}
}

// SessionUpdate carries a status change and the timing columns it sets.
type SessionUpdate struct {
	ID             int64
	Status         session.Status
	ActualStart    *time.Time
	ActualEnd      *time.Time
	ActualDuration *int
	UpdatedBy      *int64
}

// Audit is an immutable captured query.
type Audit struct {
	ID             int64
	OrgID          int64
	SessionID      int64
	RequestID      int64
	AssetID        int64
	UserID         int64
	Query          string
	QueryTimestamp time.Time
	CreatedAt      time.Time
}

func durationMinutes(from, to time.Time) int {
	if to.Before(from) {
		return 0
	}
	return int(to.Sub(from).Round(time.Minute) / time.Minute)
}

func dbScope(v string) dbdriver.Scope {
	if s, err := dbdriver.ParseScope(v); err == nil {
		return s
	}
	return dbdriver.Scope(v)
}

func dbEngine(v string) dbdriver.Engine {
	if e, err := dbdriver.ParseEngine(v); err == nil {
		return e
	}
	return dbdriver.Engine(v)
}
