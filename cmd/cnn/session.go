package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/haormj/cnn/accelerated"
	"github.com/haormj/cnn/backend"
	"github.com/haormj/cnn/cnn"
	"github.com/haormj/cnn/session"
)

func loadWeights(path string) (*cnn.Weights, error) {
	if path == "" {
		return nil, errors.New("no weights file: pass --weights or set weights in the config file")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	w, err := cnn.ReadWeights(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return w, nil
}

// openSession opens a session holding w on the configured backend.
func openSession(w *cnn.Weights) (*session.Session, accelerated.Driver, error) {
	drv, err := backend.New(backendName, device)
	if err != nil {
		return nil, nil, err
	}
	s, err := session.New(drv, w, session.WithLogger(log), session.WithOrdinal(device))
	if err != nil {
		return nil, nil, err
	}
	return s, drv, nil
}
