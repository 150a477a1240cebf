package api

import (
	"fmt"

	"relay/internal/model"
	"relay/internal/webhooks"
)

func validateEvents(events []string) error {
	if len(events) == 0 {
		return fmt.Errorf("%w: events must not be empty", errInvalidRequest)
	}
	for _, e := range events {
		if !model.IsCatalogEvent(e) {
			return fmt.Errorf("%w: unknown event %q", errInvalidRequest, e)
		}
	}
	return nil
}

func validateSubscriberRequest(req *model.SubscriberRequest) error {
	if err := webhooks.ValidateURL(req.URL); err != nil {
		return err
	}
	return validateEvents(req.Events)
}

func validateSubscriberPatch(p *model.SubscriberPatch) error {
	if p.URL != nil {
		if err := webhooks.ValidateURL(*p.URL); err != nil {
			return err
		}
	}
	if p.Events != nil {
		return validateEvents(*p.Events)
	}
	return nil
}

var deliveryStates = map[string]bool{
	model.DeliveryPending:   true,
	model.DeliveryRetrying:  true,
	model.DeliverySucceeded: true,
	model.DeliveryExhausted: true,
	model.DeliveryCancelled: true,
}
