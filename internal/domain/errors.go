package domain

import "errors"

var (
	ErrEncoding             = errors.New("domain: encoding error")
	ErrKeyDerivation        = errors.New("domain: key derivation error")
	ErrDuplicateAppointment = errors.New("domain: duplicate appointment")
	ErrAppointmentNotFound  = errors.New("domain: appointment not found")
	ErrTowerNotFound        = errors.New("domain: tower not found")
	ErrAlreadyRegistered    = errors.New("domain: tower already registered")
	ErrTowerRejected        = errors.New("domain: tower rejected")
	ErrInvalidTransition    = errors.New("domain: invalid status transition")
	ErrMissingReceipt       = errors.New("domain: accepted appointment requires a receipt")
	ErrInvalidTowerKey      = errors.New("domain: invalid tower public key")
	ErrInvalidAddress       = errors.New("domain: invalid tower address")
)
