package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xudaotutou/kv-server/pkg/fault"
	"github.com/xudaotutou/kv-server/pkg/persona"
	"github.com/xudaotutou/kv-server/pkg/signature"
)

// Authorizer confirms a persona controls a platform identity. Only a nil
// return allows the mutation.
type Authorizer interface {
	Authorize(ctx context.Context, p persona.Persona, platform, identity string) error
}

type Options struct {
	// ProposalTTL bounds how long a proposal can wait for its signature.
	ProposalTTL time.Duration
	Now         func() time.Time
	NewID       func() uuid.UUID
}

type Service struct {
	store Store
	auth  Authorizer
	log   *slog.Logger
	ttl   time.Duration
	now   func() time.Time
	newID func() uuid.UUID
}

func NewService(store Store, auth Authorizer, log *slog.Logger, opts Options) *Service {
	s := &Service{
		store: store,
		auth:  auth,
		log:   log,
		ttl:   opts.ProposalTTL,
		now:   opts.Now,
		newID: opts.NewID,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.New
	}
	return s
}

type ProposeRequest struct {
	Persona  persona.Input
	Platform string
	Identity string
	Patch    json.RawMessage
}

type Proposal struct {
	ExternalID  uuid.UUID `json:"external_id"`
	SignPayload string    `json:"sign_payload"`
	CreatedAt   int64     `json:"created_at"`
}

// Propose authorizes the mutation, resolves the persona's head and stores a
// proposed link whose payload the caller must sign.
func (s *Service) Propose(ctx context.Context, req ProposeRequest) (Proposal, error) {
	const op = "chain.propose"
	p, err := req.Persona.Resolve()
	if err != nil {
		return Proposal{}, err
	}
	platform := strings.TrimSpace(req.Platform)
	identity := strings.TrimSpace(req.Identity)
	if platform == "" || identity == "" {
		return Proposal{}, fault.New(fault.MissingParameter, op, "platform and identity are required")
	}
	patch, err := NormalizePatch(req.Patch)
	if err != nil {
		return Proposal{}, err
	}

	if err := s.auth.Authorize(ctx, p, platform, identity); err != nil {
		if fault.KindOf(err) != fault.NotAuthorized {
			err = fault.Wrap(fault.UpstreamUnavailable, op, err)
		}
		return Proposal{}, err
	}

	link := Link{
		ExternalID: s.newID(),
		Persona:    p.Bytes(),
		Platform:   platform,
		Identity:   identity,
		Patch:      patch,
		State:      StateProposed,
		CreatedAt:  s.now().UTC().Truncate(time.Second),
	}
	err = s.store.InPersonaTx(ctx, link.Persona, func(ctx context.Context, tx Tx) error {
		head, err := tx.Head(ctx)
		if err != nil {
			return err
		}
		var prevSig []byte
		if head != nil {
			link.PreviousID = &head.ID
			prevSig = head.Signature
		}
		payload, err := link.Draft(prevSig).Payload()
		if err != nil {
			return err
		}
		link.SignaturePayload = string(payload)
		return tx.Insert(ctx, &link)
	})
	if err != nil {
		return Proposal{}, fault.Wrap(fault.StorageError, op, err)
	}
	s.log.InfoContext(ctx, "link proposed",
		"persona", p.Hex(),
		"external_id", link.ExternalID,
		"platform", platform,
		"root", link.PreviousID == nil,
	)
	return Proposal{
		ExternalID:  link.ExternalID,
		SignPayload: link.SignaturePayload,
		CreatedAt:   link.CreatedAt.Unix(),
	}, nil
}

type CommitRequest struct {
	ExternalID string
	Signature  string
}

type Committed struct {
	ExternalID         uuid.UUID  `json:"external_id"`
	Persona            string     `json:"persona"`
	Platform           string     `json:"platform"`
	Identity           string     `json:"identity"`
	Seq                int64      `json:"seq"`
	PreviousExternalID *uuid.UUID `json:"previous,omitempty"`
	CreatedAt          int64      `json:"created_at"`
	CommittedAt        int64      `json:"committed_at"`
}

var errExpired = errors.New("proposal expired")

// Commit verifies the signature over a proposal's payload and makes it the
// persona's new head.
func (s *Service) Commit(ctx context.Context, req CommitRequest) (Committed, error) {
	const op = "chain.commit"
	rawID := strings.TrimSpace(req.ExternalID)
	if rawID == "" || strings.TrimSpace(req.Signature) == "" {
		return Committed{}, fault.New(fault.MissingParameter, op, "external_id and signature are required")
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return Committed{}, fault.Wrap(fault.BadRequest, op, err)
	}
	sig, err := signature.Decode(req.Signature)
	if err != nil {
		return Committed{}, fault.Wrap(fault.BadRequest, op, err)
	}

	found, err := s.store.LinkByExternalID(ctx, id)
	if err != nil {
		return Committed{}, fault.Wrap(fault.StorageError, op, err)
	}

	var out Committed
	var expired bool
	err = s.store.InPersonaTx(ctx, found.Persona, func(ctx context.Context, tx Tx) error {
		link, err := tx.LinkByExternalID(ctx, id)
		if err != nil {
			return err
		}
		switch {
		case link.State == StateCommitted:
			return fault.New(fault.NotFound, op, "proposal already committed")
		case link.State == StateExpired:
			return fault.Wrap(fault.Conflict, op, errExpired)
		case link.expired(s.now(), s.ttl):
			if _, err := link.State.Transition(EventExpire); err != nil {
				return err
			}
			expired = true
			return tx.MarkExpired(ctx, link.ID)
		}

		head, err := tx.Head(ctx)
		if err != nil {
			return err
		}
		if !sameLink(head, link.PreviousID) {
			return fault.New(fault.Conflict, op, "chain head moved, propose again")
		}
		var prevSig []byte
		var seq int64 = 1
		if head != nil {
			prevSig = head.Signature
			seq = head.Seq + 1
		}
		payload, err := link.Draft(prevSig).Payload()
		if err != nil {
			return err
		}
		if !bytes.Equal(payload, []byte(link.SignaturePayload)) {
			return fault.New(fault.StorageError, op, "stored payload does not match link fields")
		}
		owner, err := persona.FromBytes(link.Persona)
		if err != nil {
			return fault.Wrap(fault.StorageError, op, err)
		}
		if err := signature.Verify(owner, payload, sig); err != nil {
			return fault.Wrap(fault.SignatureInvalid, op, err)
		}

		next, err := link.State.Transition(EventCommit)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		link.State = next
		link.Signature = sig
		link.Seq = seq
		link.CommittedAt = &now
		if err := tx.MarkCommitted(ctx, &link); err != nil {
			return err
		}

		out = Committed{
			ExternalID:  link.ExternalID,
			Persona:     owner.Hex(),
			Platform:    link.Platform,
			Identity:    link.Identity,
			Seq:         link.Seq,
			CreatedAt:   link.CreatedAt.Unix(),
			CommittedAt: now.Unix(),
		}
		if head != nil {
			prev := head.ExternalID
			out.PreviousExternalID = &prev
		}
		return nil
	})
	if err != nil {
		return Committed{}, fault.Wrap(fault.StorageError, op, err)
	}
	if expired {
		s.log.InfoContext(ctx, "proposal expired", "external_id", id)
		return Committed{}, fault.Wrap(fault.Conflict, op, errExpired)
	}
	s.log.InfoContext(ctx, "link committed",
		"persona", out.Persona,
		"external_id", out.ExternalID,
		"seq", out.Seq,
	)
	return out, nil
}

func sameLink(head *Link, previousID *int64) bool {
	if head == nil || previousID == nil {
		return head == nil && previousID == nil
	}
	return head.ID == *previousID
}

// History returns the persona's committed chain in export form.
func (s *Service) History(ctx context.Context, in persona.Input) (persona.Persona, []AuditLink, error) {
	p, links, err := s.committed(ctx, in)
	if err != nil {
		return persona.Persona{}, nil, err
	}
	audit, err := AuditChain(links)
	if err != nil {
		return persona.Persona{}, nil, fault.Wrap(fault.StorageError, "chain.history", err)
	}
	return p, audit, nil
}

// State replays the persona's committed chain into current documents.
func (s *Service) State(ctx context.Context, in persona.Input) (persona.Persona, []Document, error) {
	p, links, err := s.committed(ctx, in)
	if err != nil {
		return persona.Persona{}, nil, err
	}
	docs, err := Replay(links)
	if err != nil {
		return persona.Persona{}, nil, fault.Wrap(fault.StorageError, "chain.state", err)
	}
	return p, docs, nil
}

func (s *Service) committed(ctx context.Context, in persona.Input) (persona.Persona, []Link, error) {
	p, err := in.Resolve()
	if err != nil {
		return persona.Persona{}, nil, err
	}
	links, err := s.store.Committed(ctx, p.Bytes())
	if err != nil {
		return persona.Persona{}, nil, fault.Wrap(fault.StorageError, "chain.committed", err)
	}
	return p, links, nil
}
