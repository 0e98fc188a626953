package rpc

import (
	"context"
	"net/http"

	"connectrpc.com/connect"

	"github.com/mcdev12/spinwheel/go/internal/backend"
)

// Service exposes a backend.Backend over connect.
type Service struct {
	backend backend.Backend
}

func NewService(b backend.Backend) *Service {
	return &Service{backend: b}
}

// NewHandler builds an HTTP handler for every backend procedure and returns the path to mount it on.
func NewHandler(b backend.Backend, opts ...connect.HandlerOption) (string, http.Handler) {
	s := NewService(b)
	opts = append([]connect.HandlerOption{connect.WithCodec(jsonCodec{})}, opts...)

	mux := http.NewServeMux()
	mux.Handle(FetchScreenStateProcedure, connect.NewUnaryHandler(FetchScreenStateProcedure, s.FetchScreenState, opts...))
	mux.Handle(FetchWaitingCountProcedure, connect.NewUnaryHandler(FetchWaitingCountProcedure, s.FetchWaitingCount, opts...))
	mux.Handle(FetchWaitingEntriesProcedure, connect.NewUnaryHandler(FetchWaitingEntriesProcedure, s.FetchWaitingEntries, opts...))
	mux.Handle(FetchEntryProcedure, connect.NewUnaryHandler(FetchEntryProcedure, s.FetchEntry, opts...))
	mux.Handle(FetchPendingOfferProcedure, connect.NewUnaryHandler(FetchPendingOfferProcedure, s.FetchPendingOffer, opts...))
	mux.Handle(PromoteNextPlayerProcedure, connect.NewUnaryHandler(PromoteNextPlayerProcedure, s.PromoteNextPlayer, opts...))
	mux.Handle(ForceAdvanceQueueProcedure, connect.NewUnaryHandler(ForceAdvanceQueueProcedure, s.ForceAdvanceQueue, opts...))
	mux.Handle(SwitchPlayerScreenProcedure, connect.NewUnaryHandler(SwitchPlayerScreenProcedure, s.SwitchPlayerScreen, opts...))
	mux.Handle(RequestSpinProcedure, connect.NewUnaryHandler(RequestSpinProcedure, s.RequestSpin, opts...))
	mux.Handle(UpdateOfferStatusProcedure, connect.NewUnaryHandler(UpdateOfferStatusProcedure, s.UpdateOfferStatus, opts...))
	mux.Handle(ProcessExpiredOffersProcedure, connect.NewUnaryHandler(ProcessExpiredOffersProcedure, s.ProcessExpiredOffers, opts...))
	return "/" + ServiceName + "/", mux
}

func (s *Service) FetchScreenState(ctx context.Context, req *connect.Request[ScreenRequest]) (*connect.Response[ScreenResponse], error) {
	screen, err := s.backend.FetchScreenState(ctx, req.Msg.ScreenNumber)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&ScreenResponse{Screen: screen}), nil
}

func (s *Service) FetchWaitingCount(ctx context.Context, req *connect.Request[ScreenRequest]) (*connect.Response[CountResponse], error) {
	n, err := s.backend.FetchWaitingCount(ctx, req.Msg.ScreenNumber)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&CountResponse{Count: n}), nil
}

func (s *Service) FetchWaitingEntries(ctx context.Context, req *connect.Request[ScreenRequest]) (*connect.Response[EntriesResponse], error) {
	entries, err := s.backend.FetchWaitingEntries(ctx, req.Msg.ScreenNumber)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&EntriesResponse{Entries: entries}), nil
}

func (s *Service) FetchEntry(ctx context.Context, req *connect.Request[EntryRequest]) (*connect.Response[EntryResponse], error) {
	entry, err := s.backend.FetchEntry(ctx, req.Msg.QueueEntryID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&EntryResponse{Entry: entry}), nil
}

func (s *Service) FetchPendingOffer(ctx context.Context, req *connect.Request[EntryRequest]) (*connect.Response[OfferResponse], error) {
	offer, err := s.backend.FetchPendingOffer(ctx, req.Msg.QueueEntryID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&OfferResponse{Offer: offer}), nil
}

func (s *Service) PromoteNextPlayer(ctx context.Context, req *connect.Request[ScreenRequest]) (*connect.Response[backend.PromoteResult], error) {
	res, err := s.backend.PromoteNextPlayer(ctx, req.Msg.ScreenNumber)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(res), nil
}

func (s *Service) ForceAdvanceQueue(ctx context.Context, req *connect.Request[ScreenRequest]) (*connect.Response[backend.AdvanceResult], error) {
	res, err := s.backend.ForceAdvanceQueue(ctx, req.Msg.ScreenNumber)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(res), nil
}

func (s *Service) SwitchPlayerScreen(ctx context.Context, req *connect.Request[SwitchRequest]) (*connect.Response[backend.SwitchResult], error) {
	res, err := s.backend.SwitchPlayerScreen(ctx, req.Msg.QueueEntryID, req.Msg.NewScreenNumber)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(res), nil
}

func (s *Service) RequestSpin(ctx context.Context, req *connect.Request[SpinRequest]) (*connect.Response[backend.SpinResult], error) {
	res, err := s.backend.RequestSpin(ctx, req.Msg.QueueEntryID, req.Msg.ScreenNumber)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(res), nil
}

func (s *Service) UpdateOfferStatus(ctx context.Context, req *connect.Request[OfferStatusRequest]) (*connect.Response[Empty], error) {
	if err := s.backend.UpdateOfferStatus(ctx, req.Msg.OfferID, req.Msg.Status); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&Empty{}), nil
}

func (s *Service) ProcessExpiredOffers(ctx context.Context, _ *connect.Request[Empty]) (*connect.Response[Empty], error) {
	if err := s.backend.ProcessExpiredOffers(ctx); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&Empty{}), nil
}
