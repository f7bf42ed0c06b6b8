package domain

import "errors"

// ErrNotFetched is returned when any field other than the entity id is
// requested from a relationship that was never loaded from the database.
var ErrNotFetched = errors.New("related entity not fetched from the database")

// ErrNotRegistered is returned when a model type was never registered.
var ErrNotRegistered = errors.New("model type not registered")
