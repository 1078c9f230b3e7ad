package services

import "errors"

var (
	ErrConnectionNotFound   = errors.New("connection not found")
	ErrSyncLogNotFound      = errors.New("sync log not found")
	ErrInvalidTransition    = errors.New("invalid sync log status transition")
	ErrConnectionNotActive  = errors.New("connection is not active")
	ErrInvalidBrokerType    = errors.New("invalid broker type")
	ErrInvalidSyncFrequency = errors.New("invalid sync frequency")
	ErrInvalidSyncTime      = errors.New("invalid sync time, expected HH:MM:SS")
)
