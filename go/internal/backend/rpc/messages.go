package rpc

import (
	"github.com/google/uuid"

	"github.com/mcdev12/spinwheel/go/internal/models"
)

// ServiceName is the fully-qualified name of the backend service.
const ServiceName = "spinwheel.backend.v1.BackendService"

const (
	FetchScreenStateProcedure     = "/" + ServiceName + "/FetchScreenState"
	FetchWaitingCountProcedure    = "/" + ServiceName + "/FetchWaitingCount"
	FetchWaitingEntriesProcedure  = "/" + ServiceName + "/FetchWaitingEntries"
	FetchEntryProcedure           = "/" + ServiceName + "/FetchEntry"
	FetchPendingOfferProcedure    = "/" + ServiceName + "/FetchPendingOffer"
	PromoteNextPlayerProcedure    = "/" + ServiceName + "/PromoteNextPlayer"
	ForceAdvanceQueueProcedure    = "/" + ServiceName + "/ForceAdvanceQueue"
	SwitchPlayerScreenProcedure   = "/" + ServiceName + "/SwitchPlayerScreen"
	RequestSpinProcedure          = "/" + ServiceName + "/RequestSpin"
	UpdateOfferStatusProcedure    = "/" + ServiceName + "/UpdateOfferStatus"
	ProcessExpiredOffersProcedure = "/" + ServiceName + "/ProcessExpiredOffers"
)

type ScreenRequest struct {
	ScreenNumber int `json:"screen_number"`
}

type ScreenResponse struct {
	Screen *models.Screen `json:"screen"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type EntriesResponse struct {
	Entries []models.QueueEntry `json:"entries"`
}

type EntryRequest struct {
	QueueEntryID uuid.UUID `json:"queue_entry_id"`
}

type EntryResponse struct {
	Entry *models.QueueEntry `json:"entry"`
}

// OfferResponse carries a nil Offer when the entry has nothing pending.
type OfferResponse struct {
	Offer *models.ScreenSwitchOffer `json:"offer,omitempty"`
}

type SwitchRequest struct {
	QueueEntryID    uuid.UUID `json:"queue_entry_id"`
	NewScreenNumber int       `json:"new_screen_number"`
}

type SpinRequest struct {
	QueueEntryID uuid.UUID `json:"queue_entry_id"`
	ScreenNumber int       `json:"screen_number"`
}

type OfferStatusRequest struct {
	OfferID uuid.UUID          `json:"offer_id"`
	Status  models.OfferStatus `json:"status"`
}

type Empty struct{}
