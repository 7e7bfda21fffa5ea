package grpcserver

import (
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// wireMessage converts between an admin struct and its protobuf form.
type wireMessage interface {
	descriptor() protoreflect.MessageDescriptor
	toProto() *dynamicpb.Message
	fromProto(message protoreflect.Message)
}

// GrantRequest credits or corrects an account.
type GrantRequest struct {
	UserID       string `json:"user_id"`
	Units        int64  `json:"units"`
	Source       string `json:"source"`
	Reference    string `json:"reference,omitempty"`
	MetadataJSON string `json:"metadata_json,omitempty"`
}

func (*GrantRequest) descriptor() protoreflect.MessageDescriptor { return grantRequestDescriptor }

func (request *GrantRequest) toProto() *dynamicpb.Message {
	message := dynamicpb.NewMessage(grantRequestDescriptor)
	setString(message, "user_id", request.UserID)
	setInt64(message, "units", request.Units)
	setString(message, "source", request.Source)
	setString(message, "reference", request.Reference)
	setString(message, "metadata_json", request.MetadataJSON)
	return message
}

func (request *GrantRequest) fromProto(message protoreflect.Message) {
	request.UserID = getString(message, "user_id")
	request.Units = getInt64(message, "units")
	request.Source = getString(message, "source")
	request.Reference = getString(message, "reference")
	request.MetadataJSON = getString(message, "metadata_json")
}

// GrantResponse reports the balance after the grant.
type GrantResponse struct {
	NewBalance int64 `json:"new_balance"`
	Replayed   bool  `json:"replayed"`
}

func (*GrantResponse) descriptor() protoreflect.MessageDescriptor { return grantResponseDescriptor }

func (response *GrantResponse) toProto() *dynamicpb.Message {
	message := dynamicpb.NewMessage(grantResponseDescriptor)
	setInt64(message, "new_balance", response.NewBalance)
	setBool(message, "replayed", response.Replayed)
	return message
}

func (response *GrantResponse) fromProto(message protoreflect.Message) {
	response.NewBalance = getInt64(message, "new_balance")
	response.Replayed = getBool(message, "replayed")
}

// SweepRequest triggers one cleanup sweep.
type SweepRequest struct{}

func (*SweepRequest) descriptor() protoreflect.MessageDescriptor { return sweepRequestDescriptor }

func (*SweepRequest) toProto() *dynamicpb.Message {
	return dynamicpb.NewMessage(sweepRequestDescriptor)
}

func (*SweepRequest) fromProto(protoreflect.Message) {}

// SweepResponse mirrors quota.SweepResult.
type SweepResponse struct {
	CutoffUnixUTC int64  `json:"cutoff_unix_utc"`
	Examined      int64  `json:"examined"`
	Reclaimed     int64  `json:"reclaimed"`
	Skipped       int64  `json:"skipped"`
	Failed        int64  `json:"failed"`
	LastError     string `json:"last_error,omitempty"`
}

func (*SweepResponse) descriptor() protoreflect.MessageDescriptor { return sweepResponseDescriptor }

func (response *SweepResponse) toProto() *dynamicpb.Message {
	message := dynamicpb.NewMessage(sweepResponseDescriptor)
	setInt64(message, "cutoff_unix_utc", response.CutoffUnixUTC)
	setInt64(message, "examined", response.Examined)
	setInt64(message, "reclaimed", response.Reclaimed)
	setInt64(message, "skipped", response.Skipped)
	setInt64(message, "failed", response.Failed)
	setString(message, "last_error", response.LastError)
	return message
}

func (response *SweepResponse) fromProto(message protoreflect.Message) {
	response.CutoffUnixUTC = getInt64(message, "cutoff_unix_utc")
	response.Examined = getInt64(message, "examined")
	response.Reclaimed = getInt64(message, "reclaimed")
	response.Skipped = getInt64(message, "skipped")
	response.Failed = getInt64(message, "failed")
	response.LastError = getString(message, "last_error")
}

// AccountRequest addresses one account.
type AccountRequest struct {
	UserID string `json:"user_id"`
}

func (*AccountRequest) descriptor() protoreflect.MessageDescriptor { return accountRequestDescriptor }

func (request *AccountRequest) toProto() *dynamicpb.Message {
	message := dynamicpb.NewMessage(accountRequestDescriptor)
	setString(message, "user_id", request.UserID)
	return message
}

func (request *AccountRequest) fromProto(message protoreflect.Message) {
	request.UserID = getString(message, "user_id")
}

// AccountResponse is the raw account record.
type AccountResponse struct {
	UserID         string `json:"user_id"`
	Total          int64  `json:"total"`
	Spent          int64  `json:"spent"`
	Balance        int64  `json:"balance"`
	Reserved       int64  `json:"reserved"`
	Available      int64  `json:"available"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
	UpdatedUnixUTC int64  `json:"updated_unix_utc"`
}

func (*AccountResponse) descriptor() protoreflect.MessageDescriptor { return accountResponseDescriptor }

func (response *AccountResponse) toProto() *dynamicpb.Message {
	message := dynamicpb.NewMessage(accountResponseDescriptor)
	setString(message, "user_id", response.UserID)
	setInt64(message, "total", response.Total)
	setInt64(message, "spent", response.Spent)
	setInt64(message, "balance", response.Balance)
	setInt64(message, "reserved", response.Reserved)
	setInt64(message, "available", response.Available)
	setInt64(message, "created_unix_utc", response.CreatedUnixUTC)
	setInt64(message, "updated_unix_utc", response.UpdatedUnixUTC)
	return message
}

func (response *AccountResponse) fromProto(message protoreflect.Message) {
	response.UserID = getString(message, "user_id")
	response.Total = getInt64(message, "total")
	response.Spent = getInt64(message, "spent")
	response.Balance = getInt64(message, "balance")
	response.Reserved = getInt64(message, "reserved")
	response.Available = getInt64(message, "available")
	response.CreatedUnixUTC = getInt64(message, "created_unix_utc")
	response.UpdatedUnixUTC = getInt64(message, "updated_unix_utc")
}

// ReconcileResponse reports ledger drift.
type ReconcileResponse struct {
	Account   AccountResponse `json:"account"`
	LedgerSum int64           `json:"ledger_sum"`
	Drift     int64           `json:"drift"`
	Balanced  bool            `json:"balanced"`
}

func (*ReconcileResponse) descriptor() protoreflect.MessageDescriptor {
	return reconcileResponseDescriptor
}

func (response *ReconcileResponse) toProto() *dynamicpb.Message {
	message := dynamicpb.NewMessage(reconcileResponseDescriptor)
	message.Set(fieldByName(message, "account"), protoreflect.ValueOfMessage(response.Account.toProto()))
	setInt64(message, "ledger_sum", response.LedgerSum)
	setInt64(message, "drift", response.Drift)
	setBool(message, "balanced", response.Balanced)
	return message
}

func (response *ReconcileResponse) fromProto(message protoreflect.Message) {
	response.Account.fromProto(message.Get(fieldByName(message, "account")).Message())
	response.LedgerSum = getInt64(message, "ledger_sum")
	response.Drift = getInt64(message, "drift")
	response.Balanced = getBool(message, "balanced")
}

func fieldByName(message protoreflect.Message, name string) protoreflect.FieldDescriptor {
	return message.Descriptor().Fields().ByName(protoreflect.Name(name))
}

func setString(message protoreflect.Message, name string, value string) {
	message.Set(fieldByName(message, name), protoreflect.ValueOfString(value))
}

func setInt64(message protoreflect.Message, name string, value int64) {
	message.Set(fieldByName(message, name), protoreflect.ValueOfInt64(value))
}

func setBool(message protoreflect.Message, name string, value bool) {
	message.Set(fieldByName(message, name), protoreflect.ValueOfBool(value))
}

func getString(message protoreflect.Message, name string) string {
	return message.Get(fieldByName(message, name)).String()
}

func getInt64(message protoreflect.Message, name string) int64 {
	return message.Get(fieldByName(message, name)).Int()
}

func getBool(message protoreflect.Message, name string) bool {
	return message.Get(fieldByName(message, name)).Bool()
}
