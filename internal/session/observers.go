package session

import "github.com/shehryarbajwa/docfetch/pkg/models"

// Observers fans events out to several observers.
type Observers []Observer

func (o Observers) Transition(key models.SessionKey, instance string, from, to models.Phase) {
	for _, obs := range o {
		obs.Transition(key, instance, from, to)
	}
}

func (o Observers) StepFailed(key models.SessionKey, op string, err error) {
	for _, obs := range o {
		obs.StepFailed(key, op, err)
	}
}
