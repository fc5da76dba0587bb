package controller

import (
	"github.com/tsawler/go-dip/training"
)

// Session is the part of training.Session the controller drives
type Session interface {
	ID() string
	RunIteration() (*training.Prediction, error)
	Close() error
}

// SessionFactory builds a session for a run
type SessionFactory interface {
	NewSession(settings training.AlgorithmSettings, config training.TrainerConfig, source, mask []byte) (Session, error)
}

// FactoryFunc adapts a function to SessionFactory
type FactoryFunc func(settings training.AlgorithmSettings, config training.TrainerConfig, source, mask []byte) (Session, error)

func (f FactoryFunc) NewSession(settings training.AlgorithmSettings, config training.TrainerConfig, source, mask []byte) (Session, error) {
	return f(settings, config, source, mask)
}

// TrainingFactory builds gorgonia backed training sessions
var TrainingFactory = FactoryFunc(func(settings training.AlgorithmSettings, config training.TrainerConfig, source, mask []byte) (Session, error) {
	s, err := training.NewSession(settings, config, source, mask)
	if err != nil {
		return nil, err
	}
	return s, nil
})
