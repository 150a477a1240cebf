package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"relay/internal/model"
	"relay/internal/store"
)

// issueStates maps tracker workflow state types to local interaction statuses.
var issueStates = map[string]string{
	"backlog":   model.IssueOpen,
	"unstarted": model.IssueOpen,
	"started":   model.IssueInProgress,
	"completed": model.IssueResolved,
	"canceled":  model.IssueClosed,
}

// MapIssueState returns the local status for a tracker state type.
func MapIssueState(state string) (string, bool) {
	s, ok := issueStates[state]
	return s, ok
}

// IssueEvent is the tracker's callback body.
type IssueEvent struct {
	Action string `json:"action"`
	Type   string `json:"type"`
	Data   struct {
		ID    string `json:"id"`
		State struct {
			Type string `json:"type"`
			Name string `json:"name"`
		} `json:"state"`
	} `json:"data"`
}

// Issues syncs tracker issue state back onto linked interactions.
type Issues struct {
	Scheme  Scheme
	Secrets SecretSource
	Store   store.Inbound
	Events  Emitter
	Log     logrus.FieldLogger
	Now     func() time.Time
}

func NewIssues(secrets SecretSource, st store.Inbound, events Emitter, log logrus.FieldLogger) *Issues {
	return &Issues{Scheme: IssueScheme, Secrets: secrets, Store: st, Events: events, Log: log, Now: time.Now}
}

func (p *Issues) Process(ctx context.Context, tenantID string, headers http.Header, body []byte) (Result, error) {
	g := gate{scheme: p.Scheme, secrets: p.Secrets, ledger: p.Store, log: p.Log, now: nowFunc(p.Now)}
	if err := g.verify(ctx, tenantID, headers, body); err != nil {
		return Result{}, err
	}
	var evt IssueEvent
	if err := json.Unmarshal(body, &evt); err != nil || evt.Data.ID == "" {
		return Result{}, fmt.Errorf("%w: issue event needs data.id", ErrMalformedPayload)
	}
	eventID := headers.Get(p.Scheme.IDHeader)
	res := Result{Provider: p.Scheme.Provider, EventID: eventID, Type: evt.Type + "." + evt.Action}

	status, ok := MapIssueState(evt.Data.State.Type)
	if !ok {
		res.Status = StatusIgnored
		return g.done(res), nil
	}
	first, err := g.claim(ctx, eventID, res.Type)
	if err != nil {
		return Result{}, err
	}
	if !first {
		res.Status = StatusDuplicate
		return g.done(res), nil
	}
	link, err := p.Store.SetIssueStatus(ctx, tenantID, evt.Data.ID, status, g.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		res.Status = StatusIgnored
		return g.done(res), nil
	}
	if err != nil {
		g.release(ctx, eventID)
		return Result{}, fmt.Errorf("update issue %s: %w", evt.Data.ID, err)
	}
	p.emit(ctx, link)
	res.Status = StatusProcessed
	return g.done(res), nil
}

func (p *Issues) emit(ctx context.Context, link model.IssueLink) {
	if p.Events == nil {
		return
	}
	event := model.EventInteractionUpdated
	if link.Status == model.IssueResolved {
		event = model.EventInteractionResolved
	}
	data := map[string]any{
		"id":              link.InteractionID,
		"status":          link.Status,
		"externalIssueId": link.ExternalID,
	}
	if _, err := p.Events.Dispatch(ctx, link.TenantID, event, data); err != nil {
		p.Log.WithError(err).WithField("interaction_id", link.InteractionID).Warn("emit interaction event failed")
	}
}
