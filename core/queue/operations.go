package queue

import (
	"context"
	"fmt"

	"github.com/sushant-115/gojogrid/core/operation"
	"github.com/sushant-115/gojogrid/core/serialization"
)

// ServiceName is the name queue operations are dispatched under.
const ServiceName = "gojogrid:queue"

// OperationKind tells offers and polls apart without inspecting the
// operation's concrete type.
type OperationKind uint8

const (
	KindOffer OperationKind = 1
	KindPoll  OperationKind = 2
)

func (k OperationKind) String() string {
	switch k {
	case KindOffer:
		return "offer"
	case KindPoll:
		return "poll"
	default:
		return fmt.Sprintf("OperationKind(%d)", uint8(k))
	}
}

const (
	TxnOfferTypeID        serialization.TypeID = 101
	TxnPollTypeID         serialization.TypeID = 102
	TxnPrepareTypeID      serialization.TypeID = 103
	TxnRollbackTypeID     serialization.TypeID = 104
	ItemTypeID            serialization.TypeID = 105
	LogRecordTypeID       serialization.TypeID = 106
	TxnReserveOfferTypeID serialization.TypeID = 107
	TxnReservePollTypeID  serialization.TypeID = 108
)

// RegisterTypes registers every queue type with r.
func RegisterTypes(r *serialization.Registry) error {
	factories := map[serialization.TypeID]serialization.Factory{
		TxnOfferTypeID:        func() serialization.DataSerializable { return &TxnOfferOperation{} },
		TxnPollTypeID:         func() serialization.DataSerializable { return &TxnPollOperation{} },
		TxnPrepareTypeID:      func() serialization.DataSerializable { return &TxnPrepareOperation{} },
		TxnRollbackTypeID:     func() serialization.DataSerializable { return &TxnRollbackOperation{} },
		ItemTypeID:            func() serialization.DataSerializable { return &Item{} },
		LogRecordTypeID:       func() serialization.DataSerializable { return &LogRecord{} },
		TxnReserveOfferTypeID: func() serialization.DataSerializable { return &TxnReserveOfferOperation{} },
		TxnReservePollTypeID:  func() serialization.DataSerializable { return &TxnReservePollOperation{} },
	}
	for id, f := range factories {
		if err := r.Register(id, f); err != nil {
			return err
		}
	}
	return nil
}

// Item is a committed queue element.
type Item struct {
	ID    int64
	Value []byte
}

func (i *Item) TypeID() serialization.TypeID { return ItemTypeID }

func (i *Item) WriteData(out *serialization.DataOutput) error {
	out.WriteInt64(i.ID)
	out.WriteBytes(i.Value)
	return nil
}

func (i *Item) ReadData(in *serialization.DataInput) error {
	var err error
	if i.ID, err = in.ReadInt64(); err != nil {
		return err
	}
	i.Value, err = in.ReadBytes()
	return err
}

// TxnOperation is a queue mutation that can be captured by a LogRecord.
type TxnOperation interface {
	operation.Operation
	Kind() OperationKind
}

func asService(service any) (*Service, error) {
	s, ok := service.(*Service)
	if !ok {
		return nil, fmt.Errorf("queue operation dispatched to %T", service)
	}
	return s, nil
}

// keyed holds the fields every queue operation carries.
type keyed struct {
	operation.Base
	Name   string
	ItemID int64
}

func (k *keyed) ServiceName() string { return ServiceName }

func (k *keyed) writeKeyed(out *serialization.DataOutput) {
	out.WriteInt32(k.Partition)
	out.WriteString(k.Name)
	out.WriteInt64(k.ItemID)
}

func (k *keyed) readKeyed(in *serialization.DataInput) error {
	var err error
	if k.Partition, err = in.ReadInt32(); err != nil {
		return err
	}
	if k.Name, err = in.ReadString(); err != nil {
		return err
	}
	k.ItemID, err = in.ReadInt64()
	return err
}

// TxnOfferOperation appends a reserved item. It is the commit of an offer.
type TxnOfferOperation struct {
	keyed
	Value []byte
}

func NewTxnOfferOperation(name string, itemID int64, value []byte) *TxnOfferOperation {
	return &TxnOfferOperation{keyed: keyed{Base: operation.NewBase(), Name: name, ItemID: itemID}, Value: value}
}

func (o *TxnOfferOperation) TypeID() serialization.TypeID { return TxnOfferTypeID }
func (o *TxnOfferOperation) Kind() OperationKind          { return KindOffer }

func (o *TxnOfferOperation) WriteData(out *serialization.DataOutput) error {
	o.writeKeyed(out)
	out.WriteBytes(o.Value)
	return nil
}

func (o *TxnOfferOperation) ReadData(in *serialization.DataInput) error {
	if err := o.readKeyed(in); err != nil {
		return err
	}
	var err error
	o.Value, err = in.ReadBytes()
	return err
}

func (o *TxnOfferOperation) Run(_ context.Context, service any) (any, error) {
	s, err := asService(service)
	if err != nil {
		return nil, err
	}
	s.commitOffer(o.Partition, o.Name, o.ItemID, o.Value)
	return nil, nil
}

// TxnPollOperation removes a reserved item. It is the commit of a poll and
// returns the removed item, or nil when it was already removed.
type TxnPollOperation struct {
	keyed
}

func NewTxnPollOperation(name string, itemID int64) *TxnPollOperation {
	return &TxnPollOperation{keyed: keyed{Base: operation.NewBase(), Name: name, ItemID: itemID}}
}

func (o *TxnPollOperation) TypeID() serialization.TypeID { return TxnPollTypeID }
func (o *TxnPollOperation) Kind() OperationKind          { return KindPoll }

func (o *TxnPollOperation) WriteData(out *serialization.DataOutput) error {
	o.writeKeyed(out)
	return nil
}

func (o *TxnPollOperation) ReadData(in *serialization.DataInput) error {
	return o.readKeyed(in)
}

func (o *TxnPollOperation) Run(_ context.Context, service any) (any, error) {
	s, err := asService(service)
	if err != nil {
		return nil, err
	}
	item := s.commitPoll(o.Partition, o.Name, o.ItemID)
	if item == nil {
		return nil, nil
	}
	return item, nil
}

// TxnPrepareOperation reserves an item for a poll, or capacity for an offer.
type TxnPrepareOperation struct {
	keyed
	Poll          bool
	TransactionID string
}

func NewTxnPrepareOperation(partitionID int32, name string, itemID int64, poll bool, transactionID string) *TxnPrepareOperation {
	return &TxnPrepareOperation{
		keyed:         keyed{Base: operation.Base{Partition: partitionID}, Name: name, ItemID: itemID},
		Poll:          poll,
		TransactionID: transactionID,
	}
}

func (o *TxnPrepareOperation) TypeID() serialization.TypeID { return TxnPrepareTypeID }

func (o *TxnPrepareOperation) WriteData(out *serialization.DataOutput) error {
	o.writeKeyed(out)
	out.WriteBool(o.Poll)
	out.WriteString(o.TransactionID)
	return nil
}

func (o *TxnPrepareOperation) ReadData(in *serialization.DataInput) error {
	if err := o.readKeyed(in); err != nil {
		return err
	}
	var err error
	if o.Poll, err = in.ReadBool(); err != nil {
		return err
	}
	o.TransactionID, err = in.ReadString()
	return err
}

func (o *TxnPrepareOperation) Run(_ context.Context, service any) (any, error) {
	s, err := asService(service)
	if err != nil {
		return nil, err
	}
	if o.Poll {
		return nil, s.reservePollItem(o.Partition, o.Name, o.ItemID, o.TransactionID)
	}
	return nil, s.reserveOfferSlot(o.Partition, o.Name, o.ItemID, o.TransactionID)
}

// TxnRollbackOperation releases whatever reservation prepare made.
type TxnRollbackOperation struct {
	keyed
	Poll bool
}

func NewTxnRollbackOperation(partitionID int32, name string, itemID int64, poll bool) *TxnRollbackOperation {
	return &TxnRollbackOperation{
		keyed: keyed{Base: operation.Base{Partition: partitionID}, Name: name, ItemID: itemID},
		Poll:  poll,
	}
}

func (o *TxnRollbackOperation) TypeID() serialization.TypeID { return TxnRollbackTypeID }

func (o *TxnRollbackOperation) WriteData(out *serialization.DataOutput) error {
	o.writeKeyed(out)
	out.WriteBool(o.Poll)
	return nil
}

func (o *TxnRollbackOperation) ReadData(in *serialization.DataInput) error {
	if err := o.readKeyed(in); err != nil {
		return err
	}
	var err error
	o.Poll, err = in.ReadBool()
	return err
}

func (o *TxnRollbackOperation) Run(_ context.Context, service any) (any, error) {
	s, err := asService(service)
	if err != nil {
		return nil, err
	}
	s.release(o.Partition, o.Name, o.ItemID, o.Poll)
	return nil, nil
}

// TxnReserveOfferOperation allocates an item id and reserves capacity for
// it. It returns an Item carrying only the id.
type TxnReserveOfferOperation struct {
	keyed
	TransactionID string
}

func (o *TxnReserveOfferOperation) TypeID() serialization.TypeID { return TxnReserveOfferTypeID }

func (o *TxnReserveOfferOperation) WriteData(out *serialization.DataOutput) error {
	o.writeKeyed(out)
	out.WriteString(o.TransactionID)
	return nil
}

func (o *TxnReserveOfferOperation) ReadData(in *serialization.DataInput) error {
	if err := o.readKeyed(in); err != nil {
		return err
	}
	var err error
	o.TransactionID, err = in.ReadString()
	return err
}

func (o *TxnReserveOfferOperation) Run(_ context.Context, service any) (any, error) {
	s, err := asService(service)
	if err != nil {
		return nil, err
	}
	id, err := s.allocateOffer(o.Partition, o.Name, o.TransactionID)
	if err != nil {
		return nil, err
	}
	return &Item{ID: id}, nil
}

// TxnReservePollOperation reserves the oldest unreserved item. It returns
// the item, or nil when the queue has none.
type TxnReservePollOperation struct {
	keyed
	TransactionID string
}

func (o *TxnReservePollOperation) TypeID() serialization.TypeID { return TxnReservePollTypeID }

func (o *TxnReservePollOperation) WriteData(out *serialization.DataOutput) error {
	o.writeKeyed(out)
	out.WriteString(o.TransactionID)
	return nil
}

func (o *TxnReservePollOperation) ReadData(in *serialization.DataInput) error {
	if err := o.readKeyed(in); err != nil {
		return err
	}
	var err error
	o.TransactionID, err = in.ReadString()
	return err
}

func (o *TxnReservePollOperation) Run(_ context.Context, service any) (any, error) {
	s, err := asService(service)
	if err != nil {
		return nil, err
	}
	item := s.reserveHead(o.Partition, o.Name, o.TransactionID)
	if item == nil {
		return nil, nil
	}
	return item, nil
}
