package rpc

import (
	"context"
	"strings"

	"connectrpc.com/connect"
	"github.com/google/uuid"

	"github.com/mcdev12/spinwheel/go/internal/backend"
	"github.com/mcdev12/spinwheel/go/internal/models"
)

// Client implements backend.Backend against a remote Service.
type Client struct {
	fetchScreenState     *connect.Client[ScreenRequest, ScreenResponse]
	fetchWaitingCount    *connect.Client[ScreenRequest, CountResponse]
	fetchWaitingEntries  *connect.Client[ScreenRequest, EntriesResponse]
	fetchEntry           *connect.Client[EntryRequest, EntryResponse]
	fetchPendingOffer    *connect.Client[EntryRequest, OfferResponse]
	promoteNextPlayer    *connect.Client[ScreenRequest, backend.PromoteResult]
	forceAdvanceQueue    *connect.Client[ScreenRequest, backend.AdvanceResult]
	switchPlayerScreen   *connect.Client[SwitchRequest, backend.SwitchResult]
	requestSpin          *connect.Client[SpinRequest, backend.SpinResult]
	updateOfferStatus    *connect.Client[OfferStatusRequest, Empty]
	processExpiredOffers *connect.Client[Empty, Empty]
}

var _ backend.Backend = (*Client)(nil)

func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(jsonCodec{})}, opts...)
	return &Client{
		fetchScreenState:     connect.NewClient[ScreenRequest, ScreenResponse](httpClient, baseURL+FetchScreenStateProcedure, opts...),
		fetchWaitingCount:    connect.NewClient[ScreenRequest, CountResponse](httpClient, baseURL+FetchWaitingCountProcedure, opts...),
		fetchWaitingEntries:  connect.NewClient[ScreenRequest, EntriesResponse](httpClient, baseURL+FetchWaitingEntriesProcedure, opts...),
		fetchEntry:           connect.NewClient[EntryRequest, EntryResponse](httpClient, baseURL+FetchEntryProcedure, opts...),
		fetchPendingOffer:    connect.NewClient[EntryRequest, OfferResponse](httpClient, baseURL+FetchPendingOfferProcedure, opts...),
		promoteNextPlayer:    connect.NewClient[ScreenRequest, backend.PromoteResult](httpClient, baseURL+PromoteNextPlayerProcedure, opts...),
		forceAdvanceQueue:    connect.NewClient[ScreenRequest, backend.AdvanceResult](httpClient, baseURL+ForceAdvanceQueueProcedure, opts...),
		switchPlayerScreen:   connect.NewClient[SwitchRequest, backend.SwitchResult](httpClient, baseURL+SwitchPlayerScreenProcedure, opts...),
		requestSpin:          connect.NewClient[SpinRequest, backend.SpinResult](httpClient, baseURL+RequestSpinProcedure, opts...),
		updateOfferStatus:    connect.NewClient[OfferStatusRequest, Empty](httpClient, baseURL+UpdateOfferStatusProcedure, opts...),
		processExpiredOffers: connect.NewClient[Empty, Empty](httpClient, baseURL+ProcessExpiredOffersProcedure, opts...),
	}
}

func (c *Client) FetchScreenState(ctx context.Context, screenNumber int) (*models.Screen, error) {
	res, err := c.fetchScreenState.CallUnary(ctx, connect.NewRequest(&ScreenRequest{ScreenNumber: screenNumber}))
	if err != nil {
		return nil, fromConnectError(err)
	}
	return res.Msg.Screen, nil
}

func (c *Client) FetchWaitingCount(ctx context.Context, screenNumber int) (int, error) {
	res, err := c.fetchWaitingCount.CallUnary(ctx, connect.NewRequest(&ScreenRequest{ScreenNumber: screenNumber}))
	if err != nil {
		return 0, fromConnectError(err)
	}
	return res.Msg.Count, nil
}

func (c *Client) FetchWaitingEntries(ctx context.Context, screenNumber int) ([]models.QueueEntry, error) {
	res, err := c.fetchWaitingEntries.CallUnary(ctx, connect.NewRequest(&ScreenRequest{ScreenNumber: screenNumber}))
	if err != nil {
		return nil, fromConnectError(err)
	}
	return res.Msg.Entries, nil
}

func (c *Client) FetchEntry(ctx context.Context, queueEntryID uuid.UUID) (*models.QueueEntry, error) {
	res, err := c.fetchEntry.CallUnary(ctx, connect.NewRequest(&EntryRequest{QueueEntryID: queueEntryID}))
	if err != nil {
		return nil, fromConnectError(err)
	}
	return res.Msg.Entry, nil
}

func (c *Client) FetchPendingOffer(ctx context.Context, queueEntryID uuid.UUID) (*models.ScreenSwitchOffer, error) {
	res, err := c.fetchPendingOffer.CallUnary(ctx, connect.NewRequest(&EntryRequest{QueueEntryID: queueEntryID}))
	if err != nil {
		return nil, fromConnectError(err)
	}
	return res.Msg.Offer, nil
}

func (c *Client) PromoteNextPlayer(ctx context.Context, screenNumber int) (*backend.PromoteResult, error) {
	res, err := c.promoteNextPlayer.CallUnary(ctx, connect.NewRequest(&ScreenRequest{ScreenNumber: screenNumber}))
	if err != nil {
		return nil, fromConnectError(err)
	}
	return res.Msg, nil
}

func (c *Client) ForceAdvanceQueue(ctx context.Context, screenNumber int) (*backend.AdvanceResult, error) {
	res, err := c.forceAdvanceQueue.CallUnary(ctx, connect.NewRequest(&ScreenRequest{ScreenNumber: screenNumber}))
	if err != nil {
		return nil, fromConnectError(err)
	}
	return res.Msg, nil
}

func (c *Client) SwitchPlayerScreen(ctx context.Context, queueEntryID uuid.UUID, newScreenNumber int) (*backend.SwitchResult, error) {
	res, err := c.switchPlayerScreen.CallUnary(ctx, connect.NewRequest(&SwitchRequest{
		QueueEntryID:    queueEntryID,
		NewScreenNumber: newScreenNumber,
	}))
	if err != nil {
		return nil, fromConnectError(err)
	}
	return res.Msg, nil
}

func (c *Client) RequestSpin(ctx context.Context, queueEntryID uuid.UUID, screenNumber int) (*backend.SpinResult, error) {
	res, err := c.requestSpin.CallUnary(ctx, connect.NewRequest(&SpinRequest{
		QueueEntryID: queueEntryID,
		ScreenNumber: screenNumber,
	}))
	if err != nil {
		return nil, fromConnectError(err)
	}
	return res.Msg, nil
}

func (c *Client) UpdateOfferStatus(ctx context.Context, offerID uuid.UUID, status models.OfferStatus) error {
	_, err := c.updateOfferStatus.CallUnary(ctx, connect.NewRequest(&OfferStatusRequest{OfferID: offerID, Status: status}))
	if err != nil {
		return fromConnectError(err)
	}
	return nil
}

func (c *Client) ProcessExpiredOffers(ctx context.Context) error {
	if _, err := c.processExpiredOffers.CallUnary(ctx, connect.NewRequest(&Empty{})); err != nil {
		return fromConnectError(err)
	}
	return nil
}
