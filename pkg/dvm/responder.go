// Package dvm answers distance queries posted as data-vending-machine job
// requests on the configured relays. Requests are kind 5600 events tagging
// the oracle's pubkey; results go out as signed kind 6600 events, failures as
// kind 7000 feedback.
package dvm

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mappingbitcoin/wot-oracle/pkg/config"
	"github.com/mappingbitcoin/wot-oracle/pkg/oracle"
	"github.com/mappingbitcoin/wot-oracle/pkg/relay"
)

// Job kinds.
const (
	KindDistanceRequest = 5600
	KindDistanceResult  = 6600
	KindJobFeedback     = 7000
)

// queryTimeout bounds one distance computation per job.
const queryTimeout = 10 * time.Second

type Responder struct {
	cfg     *config.Config
	svc     *oracle.Service
	log     *logrus.Logger
	connect relay.Connector

	secretKey string
	pubkey    string
}

func New(cfg *config.Config, svc *oracle.Service, log *logrus.Logger) (*Responder, error) {
	pub, err := nostr.GetPublicKey(cfg.DVMPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("derive dvm pubkey: %w", err)
	}
	return &Responder{
		cfg:       cfg,
		svc:       svc,
		log:       log,
		connect:   relay.Connect,
		secretKey: cfg.DVMPrivateKey,
		pubkey:    pub,
	}, nil
}

// SetConnector overrides the relay dialer; used by tests.
func (r *Responder) SetConnector(c relay.Connector) {
	r.connect = c
}

// Run listens for job requests on every configured feed relay until ctx is
// cancelled.
func (r *Responder) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, url := range r.cfg.Feeds {
		url := url
		g.Go(func() error { return r.relayLoop(ctx, url) })
	}
	return g.Wait()
}

func (r *Responder) relayLoop(ctx context.Context, url string) error {
	b := relay.NewBackoff(
		time.Duration(r.cfg.Network.InitialBackoffSeconds)*time.Second,
		time.Duration(r.cfg.Network.MaxBackoffSeconds)*time.Second,
		r.cfg.Network.BackoffJitter,
	)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rl, err := r.connect(ctx, url)
		if err != nil {
			r.log.WithError(err).WithField("relay", url).Warn("dvm relay connect failed")
			if err := b.Sleep(ctx); err != nil {
				return err
			}
			continue
		}
		b.Reset()
		err = r.serve(ctx, url, rl)
		rl.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			r.log.WithError(err).WithField("relay", url).Warn("dvm subscription lost, reconnecting")
		}
		if err := b.Sleep(ctx); err != nil {
			return err
		}
	}
}

func (r *Responder) serve(ctx context.Context, url string, rl relay.Relay) error {
	now := nostr.Now()
	filter := nostr.Filter{
		Kinds: []int{KindDistanceRequest},
		Tags:  nostr.TagMap{"p": []string{r.pubkey}},
		Since: &now,
	}
	sub, err := rl.Subscribe(ctx, nostr.Filters{filter})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer safeUnsub(sub)

	r.log.WithFields(logrus.Fields{"relay": url, "pubkey": r.pubkey}).Info("dvm listening")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case reason := <-sub.ClosedReason:
			return fmt.Errorf("subscription closed by relay: %s", reason)
		case <-sub.EndOfStoredEvents:
			continue
		case ev, ok := <-sub.Events:
			if !ok {
				return fmt.Errorf("event channel closed")
			}
			if ev == nil {
				continue
			}
			r.handleJob(ctx, rl, ev)
		}
	}
}

// handleJob answers one job request. A malformed request gets feedback
// instead of silence so the requester is not left polling.
func (r *Responder) handleJob(ctx context.Context, rl relay.Relay, ev *nostr.Event) {
	if ok, _ := ev.CheckSignature(); !ok {
		return
	}

	req, err := parseJobRequest(ev)
	if err != nil {
		r.publishFeedback(ctx, rl, ev, err.Error())
		return
	}

	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	res, err := r.svc.Distance(queryCtx, req)
	cancel()
	if err != nil {
		r.publishFeedback(ctx, rl, ev, err.Error())
		return
	}

	content, err := json.Marshal(res)
	if err != nil {
		r.log.WithError(err).Error("marshal dvm result")
		return
	}
	r.publish(ctx, rl, nostr.Event{
		PubKey:    r.pubkey,
		CreatedAt: nostr.Now(),
		Kind:      KindDistanceResult,
		Tags: nostr.Tags{
			{"e", ev.ID},
			{"p", ev.PubKey},
		},
		Content: string(content),
	})
}

func (r *Responder) publishFeedback(ctx context.Context, rl relay.Relay, req *nostr.Event, msg string) {
	r.publish(ctx, rl, nostr.Event{
		PubKey:    r.pubkey,
		CreatedAt: nostr.Now(),
		Kind:      KindJobFeedback,
		Tags: nostr.Tags{
			{"status", "error", msg},
			{"e", req.ID},
			{"p", req.PubKey},
		},
	})
}

func (r *Responder) publish(ctx context.Context, rl relay.Relay, ev nostr.Event) {
	if err := ev.Sign(r.secretKey); err != nil {
		r.log.WithError(err).Error("sign dvm event")
		return
	}
	if err := rl.Publish(ctx, ev); err != nil {
		r.log.WithError(err).Warn("publish dvm event")
	}
}

func safeUnsub(sub *nostr.Subscription) {
	defer func() { _ = recover() }()
	sub.Unsub()
}

// parseJobRequest extracts a distance query from a job request's param tags.
func parseJobRequest(ev *nostr.Event) (oracle.DistanceRequest, error) {
	var req oracle.DistanceRequest
	for _, tag := range ev.Tags {
		if len(tag) < 3 || tag[0] != "param" {
			continue
		}
		switch tag[1] {
		case "from":
			req.From = tag[2]
		case "to":
			req.To = tag[2]
		case "max_hops":
			n, err := strconv.Atoi(tag[2])
			if err != nil {
				return req, fmt.Errorf("invalid max_hops param")
			}
			req.MaxHops = n
		case "include_bridges":
			req.IncludeBridges = tag[2] == "true"
		}
	}
	if req.From == "" || req.To == "" {
		return req, fmt.Errorf("missing from/to params")
	}
	return req, nil
}
