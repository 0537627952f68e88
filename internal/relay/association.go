package relay

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/caio-sobreiro/dicomnet/dicom"
	"github.com/caio-sobreiro/dicomnet/dimse"
	"github.com/caio-sobreiro/dicomnet/pdu"
	"github.com/caio-sobreiro/dicomnet/types"
	"github.com/rs/zerolog"
)

const (
	applicationContextUID = "1.2.840.10008.3.1.1.1"
	implementationUID     = "1.2.826.0.1.3680043.9.7433.2.1"
	implementationVersion = "DICOMSHIELD_V1"
	defaultMaxPDULength   = 16384
)

// ErrAssociationRejected is returned when the peer rejects the
// A-ASSOCIATE-RQ.
var ErrAssociationRejected = errors.New("relay: association rejected by peer")

// ErrNoPresentationContext is returned when no accepted presentation
// context covers the requested SOP class.
var ErrNoPresentationContext = errors.New("relay: no accepted presentation context")

// DefaultTransferSyntaxes are proposed for every context unless the caller
// pins a specific one.
var DefaultTransferSyntaxes = []string{
	types.ExplicitVRLittleEndian,
	types.ImplicitVRLittleEndian,
}

// ProposedContext is one presentation context offered in the
// A-ASSOCIATE-RQ. SCPRole adds an SCU/SCP role selection sub-item so the
// peer may issue C-STORE sub-operations on this context (required for
// C-GET).
type ProposedContext struct {
	AbstractSyntax   string
	TransferSyntaxes []string
	SCPRole          bool
}

type negotiatedContext struct {
	id             byte
	abstractSyntax string
	transferSyntax string
	accepted       bool
}

// StoreEvent is one C-STORE sub-operation received while a C-GET runs.
type StoreEvent struct {
	SOPClassUID    string
	SOPInstanceUID string
	TransferSyntax string
	Data           []byte
}

// Association is an SCU-side DIMSE association. The wire codec (PDU
// framing, command and dataset encoding) comes from the dicomnet library;
// this type owns negotiation and the verb-level conversations.
type Association struct {
	conn     net.Conn
	contexts map[byte]*negotiatedContext
	maxPDU   uint32
	msgID    uint16
	timeout  time.Duration
	logger   zerolog.Logger
}

// associate dials addr and negotiates the given presentation contexts.
func associate(ctx context.Context, addr, callingAET, calledAET string, contexts []ProposedContext, timeout time.Duration, logger zerolog.Logger) (*Association, error) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	a := &Association{
		conn:     conn,
		contexts: make(map[byte]*negotiatedContext),
		maxPDU:   defaultMaxPDULength,
		timeout:  timeout,
		logger:   logger,
	}
	a.deadline()

	if err := a.sendAssociateRQ(callingAET, calledAET, contexts); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send A-ASSOCIATE-RQ: %w", err)
	}
	if err := a.receiveAssociateAC(); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Debug().
		Str("remote_addr", addr).
		Str("calling_ae", callingAET).
		Str("called_ae", calledAET).
		Msg("Upstream association established")
	return a, nil
}

func (a *Association) deadline() {
	if a.timeout > 0 {
		_ = a.conn.SetDeadline(time.Now().Add(a.timeout))
	}
}

// Release performs the A-RELEASE handshake and closes the connection.
func (a *Association) Release() error {
	a.deadline()
	buf := make([]byte, 10)
	buf[0] = pdu.TypeReleaseRQ
	binary.BigEndian.PutUint32(buf[2:6], 4)
	if _, err := a.conn.Write(buf); err != nil {
		a.conn.Close()
		return err
	}
	// Best effort: read the A-RELEASE-RP, then close either way.
	header := make([]byte, 6)
	if _, err := io.ReadFull(a.conn, header); err == nil {
		length := binary.BigEndian.Uint32(header[2:6])
		io.CopyN(io.Discard, a.conn, int64(length))
	}
	return a.conn.Close()
}

// Abort drops the association without the release handshake.
func (a *Association) Abort() {
	a.conn.Close()
}

// contextFor returns an accepted presentation context for the SOP class.
func (a *Association) contextFor(abstractSyntax string) (*negotiatedContext, error) {
	for _, pc := range a.contexts {
		if pc.accepted && pc.abstractSyntax == abstractSyntax {
			return pc, nil
		}
	}
	return nil, fmt.Errorf("%w for %s", ErrNoPresentationContext, abstractSyntax)
}

func (a *Association) nextMessageID() uint16 {
	a.msgID++
	return a.msgID
}

// Echo performs a C-ECHO and returns the response status.
func (a *Association) Echo(ctx context.Context) (uint16, error) {
	pc, err := a.contextFor(types.VerificationSOPClass)
	if err != nil {
		return 0, err
	}

	a.deadline()
	command := &types.Message{
		CommandField:        types.CEchoRQ,
		MessageID:           a.nextMessageID(),
		AffectedSOPClassUID: types.VerificationSOPClass,
		CommandDataSetType:  0x0101,
	}
	if err := a.send(pc.id, command, nil); err != nil {
		return 0, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		_, msg, _, err := a.readMessage()
		if err != nil {
			return 0, err
		}
		if msg.CommandField == types.CEchoRSP {
			return msg.Status, nil
		}
		a.logger.Warn().Uint16("command_field", msg.CommandField).Msg("Ignoring unexpected DIMSE message during echo")
	}
}

// Find sends a C-FIND and streams every response through fn in order. It
// returns the final (non-pending) status.
func (a *Association) Find(ctx context.Context, modelUID string, identifier *dicom.Dataset, fn func(status uint16, ds *dicom.Dataset) error) (uint16, error) {
	pc, err := a.contextFor(modelUID)
	if err != nil {
		return 0, err
	}
	data, err := dicom.EncodeDatasetWithTransferSyntax(identifier, pc.transferSyntax)
	if err != nil {
		return 0, fmt.Errorf("failed to encode identifier: %w", err)
	}

	a.deadline()
	command := &types.Message{
		CommandField:        types.CFindRQ,
		MessageID:           a.nextMessageID(),
		Priority:            0x0002,
		AffectedSOPClassUID: modelUID,
		CommandDataSetType:  0x0000,
	}
	if err := a.send(pc.id, command, data); err != nil {
		return 0, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		a.deadline()
		presCtx, msg, payload, err := a.readMessage()
		if err != nil {
			return 0, err
		}
		if msg.CommandField != types.CFindRSP {
			return 0, fmt.Errorf("unexpected command 0x%04x during C-FIND", msg.CommandField)
		}

		var ds *dicom.Dataset
		if len(payload) > 0 {
			ds, err = a.parseDataset(presCtx, payload)
			if err != nil {
				a.logger.Warn().Err(err).Msg("Failed to parse C-FIND response dataset")
			}
		}
		if fn != nil {
			if err := fn(msg.Status, ds); err != nil {
				return msg.Status, err
			}
		}
		if msg.Status != types.StatusPending {
			return msg.Status, nil
		}
	}
}

// Move sends a C-MOVE with the given destination AE title and waits for the
// conversation to finish. The final response carries the sub-operation
// counters.
func (a *Association) Move(ctx context.Context, modelUID, destination string, identifier *dicom.Dataset) (*types.Message, error) {
	pc, err := a.contextFor(modelUID)
	if err != nil {
		return nil, err
	}
	data, err := dicom.EncodeDatasetWithTransferSyntax(identifier, pc.transferSyntax)
	if err != nil {
		return nil, fmt.Errorf("failed to encode identifier: %w", err)
	}

	a.deadline()
	command := &types.Message{
		CommandField:        types.CMoveRQ,
		MessageID:           a.nextMessageID(),
		Priority:            0x0002,
		AffectedSOPClassUID: modelUID,
		CommandDataSetType:  0x0000,
		MoveDestination:     destination,
	}
	if err := a.send(pc.id, command, data); err != nil {
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		a.deadline()
		_, msg, _, err := a.readMessage()
		if err != nil {
			return nil, err
		}
		if msg.CommandField != types.CMoveRSP {
			return nil, fmt.Errorf("unexpected command 0x%04x during C-MOVE", msg.CommandField)
		}
		if msg.Status != types.StatusPending {
			return msg, nil
		}
	}
}

// Get sends a C-GET; sub-operation C-STOREs arriving on this association
// are handed to onStore, whose return value becomes the C-STORE-RSP status.
// The final C-GET response is returned.
func (a *Association) Get(ctx context.Context, modelUID string, identifier *dicom.Dataset, onStore func(ev *StoreEvent) uint16) (*types.Message, error) {
	pc, err := a.contextFor(modelUID)
	if err != nil {
		return nil, err
	}
	data, err := dicom.EncodeDatasetWithTransferSyntax(identifier, pc.transferSyntax)
	if err != nil {
		return nil, fmt.Errorf("failed to encode identifier: %w", err)
	}

	a.deadline()
	command := &types.Message{
		CommandField:        types.CGetRQ,
		MessageID:           a.nextMessageID(),
		Priority:            0x0002,
		AffectedSOPClassUID: modelUID,
		CommandDataSetType:  0x0000,
	}
	if err := a.send(pc.id, command, data); err != nil {
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		a.deadline()
		presCtx, msg, payload, err := a.readMessage()
		if err != nil {
			return nil, err
		}

		switch msg.CommandField {
		case types.CStoreRQ:
			status := uint16(types.StatusFailure)
			if onStore != nil {
				status = onStore(&StoreEvent{
					SOPClassUID:    msg.AffectedSOPClassUID,
					SOPInstanceUID: msg.AffectedSOPInstanceUID,
					TransferSyntax: a.transferSyntaxOf(presCtx),
					Data:           payload,
				})
			}
			rsp := &types.Message{
				CommandField:              types.CStoreRSP,
				MessageIDBeingRespondedTo: msg.MessageID,
				AffectedSOPClassUID:       msg.AffectedSOPClassUID,
				AffectedSOPInstanceUID:    msg.AffectedSOPInstanceUID,
				CommandDataSetType:        0x0101,
				Status:                    status,
			}
			if err := a.send(presCtx, rsp, nil); err != nil {
				return nil, err
			}
		case types.CGetRSP:
			if msg.Status != types.StatusPending {
				return msg, nil
			}
		default:
			return nil, fmt.Errorf("unexpected command 0x%04x during C-GET", msg.CommandField)
		}
	}
}

// Store sends one C-STORE with the given dataset bytes and returns the
// response status.
func (a *Association) Store(ctx context.Context, sopClassUID, sopInstanceUID string, data []byte) (uint16, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	pc, err := a.contextFor(sopClassUID)
	if err != nil {
		return 0, err
	}

	a.deadline()
	command := &types.Message{
		CommandField:           types.CStoreRQ,
		MessageID:              a.nextMessageID(),
		Priority:               0x0002,
		AffectedSOPClassUID:    sopClassUID,
		AffectedSOPInstanceUID: sopInstanceUID,
		CommandDataSetType:     0x0000,
	}
	if err := a.send(pc.id, command, data); err != nil {
		return 0, err
	}

	for {
		_, msg, _, err := a.readMessage()
		if err != nil {
			return 0, err
		}
		if msg.CommandField == types.CStoreRSP {
			return msg.Status, nil
		}
		a.logger.Warn().Uint16("command_field", msg.CommandField).Msg("Ignoring unexpected DIMSE message during store")
	}
}

// TransferSyntaxFor returns the negotiated transfer syntax of the SOP
// class, if accepted.
func (a *Association) TransferSyntaxFor(sopClassUID string) (string, error) {
	pc, err := a.contextFor(sopClassUID)
	if err != nil {
		return "", err
	}
	return pc.transferSyntax, nil
}

func (a *Association) transferSyntaxOf(presCtxID byte) string {
	if pc, ok := a.contexts[presCtxID]; ok {
		return pc.transferSyntax
	}
	return ""
}

func (a *Association) parseDataset(presCtxID byte, payload []byte) (*dicom.Dataset, error) {
	ts := a.transferSyntaxOf(presCtxID)
	if ts == "" {
		return dicom.ParseDataset(payload)
	}
	return dicom.ParseDatasetWithTransferSyntax(payload, ts)
}

// send encodes the command and ships it, with the optional dataset, as
// P-DATA-TF PDUs through the library codec.
func (a *Association) send(presCtxID byte, command *types.Message, data []byte) error {
	commandData, err := dimse.EncodeCommand(command)
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}
	return dimse.SendDIMSEMessage(a.conn, presCtxID, a.maxPDU, commandData, data)
}

// readMessage reads one complete DIMSE message and reports the presentation
// context it arrived on, which the C-GET loop needs to answer sub-operation
// C-STOREs on the right context.
func (a *Association) readMessage() (byte, *types.Message, []byte, error) {
	var (
		commandData []byte
		datasetData []byte
		presCtxID   byte
		msg         *types.Message
	)

	for {
		header := make([]byte, 6)
		if _, err := io.ReadFull(a.conn, header); err != nil {
			return 0, nil, nil, fmt.Errorf("failed to read PDU header: %w", err)
		}
		pduType := header[0]
		pduLength := binary.BigEndian.Uint32(header[2:6])

		switch pduType {
		case pdu.TypePDataTF:
			payload := make([]byte, pduLength)
			if _, err := io.ReadFull(a.conn, payload); err != nil {
				return 0, nil, nil, fmt.Errorf("failed to read PDU payload: %w", err)
			}

			offset := 0
			for offset < len(payload) {
				if offset+6 > len(payload) {
					return 0, nil, nil, fmt.Errorf("malformed PDV")
				}
				pdvLength := binary.BigEndian.Uint32(payload[offset : offset+4])
				end := offset + 4 + int(pdvLength)
				if end > len(payload) || pdvLength < 2 {
					return 0, nil, nil, fmt.Errorf("PDV length exceeds PDU payload")
				}

				ctxID := payload[offset+4]
				control := payload[offset+5]
				value := payload[offset+6 : end]
				isCommand := control&0x01 != 0
				isLast := control&0x02 != 0

				if isCommand {
					presCtxID = ctxID
					commandData = append(commandData, value...)
					if isLast {
						var err error
						msg, err = dimse.DecodeCommand(commandData)
						if err != nil {
							return 0, nil, nil, fmt.Errorf("failed to decode command: %w", err)
						}
						if msg.CommandDataSetType == 0x0101 {
							return presCtxID, msg, nil, nil
						}
					}
				} else {
					datasetData = append(datasetData, value...)
					if isLast {
						if msg == nil {
							return 0, nil, nil, fmt.Errorf("dataset without preceding command")
						}
						return presCtxID, msg, datasetData, nil
					}
				}
				offset = end
			}

		case pdu.TypeAbort:
			io.CopyN(io.Discard, a.conn, int64(pduLength))
			return 0, nil, nil, fmt.Errorf("association aborted by peer")

		case pdu.TypeReleaseRQ:
			// Peer wants out; acknowledge and surface as closed.
			io.CopyN(io.Discard, a.conn, int64(pduLength))
			rp := make([]byte, 10)
			rp[0] = pdu.TypeReleaseRP
			binary.BigEndian.PutUint32(rp[2:6], 4)
			a.conn.Write(rp)
			a.conn.Close()
			return 0, nil, nil, fmt.Errorf("association released by peer")

		default:
			return 0, nil, nil, fmt.Errorf("unexpected PDU type 0x%02x", pduType)
		}
	}
}

// sendAssociateRQ builds and writes the A-ASSOCIATE-RQ with the proposed
// presentation contexts and, where requested, SCU/SCP role selection items.
func (a *Association) sendAssociateRQ(callingAET, calledAET string, contexts []ProposedContext) error {
	buf := make([]byte, 0, 1024)

	// Protocol version, reserved
	buf = append(buf, 0x00, 0x01, 0x00, 0x00)
	buf = append(buf, paddedAET(calledAET)...)
	buf = append(buf, paddedAET(callingAET)...)
	buf = append(buf, make([]byte, 32)...)

	// Application context
	buf = appendItem(buf, 0x10, []byte(applicationContextUID))

	// Presentation contexts, odd ids
	id := byte(1)
	var roleItems []byte
	for _, pc := range contexts {
		syntaxes := pc.TransferSyntaxes
		if len(syntaxes) == 0 {
			syntaxes = DefaultTransferSyntaxes
		}

		item := []byte{id, 0x00, 0x00, 0x00}
		item = appendItem(item, 0x30, []byte(pc.AbstractSyntax))
		for _, ts := range syntaxes {
			item = appendItem(item, 0x40, []byte(ts))
		}
		buf = appendItem(buf, 0x20, item)

		a.contexts[id] = &negotiatedContext{id: id, abstractSyntax: pc.AbstractSyntax}
		if pc.SCPRole {
			roleItems = append(roleItems, roleSelectionItem(pc.AbstractSyntax)...)
		}
		id += 2
	}

	// User information: max PDU length, implementation identifiers, roles
	ui := []byte{0x51, 0x00, 0x00, 0x04}
	maxLen := make([]byte, 4)
	binary.BigEndian.PutUint32(maxLen, uint32(defaultMaxPDULength))
	ui = append(ui, maxLen...)
	ui = appendItem(ui, 0x52, []byte(implementationUID))
	ui = appendItem(ui, 0x55, []byte(implementationVersion))
	ui = append(ui, roleItems...)
	buf = appendItem(buf, 0x50, ui)

	header := make([]byte, 6)
	header[0] = pdu.TypeAssociateRQ
	binary.BigEndian.PutUint32(header[2:6], uint32(len(buf)))

	if _, err := a.conn.Write(header); err != nil {
		return err
	}
	_, err := a.conn.Write(buf)
	return err
}

// receiveAssociateAC parses the accept, recording per-context results and
// the peer's maximum PDU length.
func (a *Association) receiveAssociateAC() error {
	header := make([]byte, 6)
	if _, err := io.ReadFull(a.conn, header); err != nil {
		return fmt.Errorf("failed to read PDU header: %w", err)
	}

	pduType := header[0]
	pduLength := binary.BigEndian.Uint32(header[2:6])

	if pduType == pdu.TypeAssociateRJ {
		io.CopyN(io.Discard, a.conn, int64(pduLength))
		return ErrAssociationRejected
	}
	if pduType != pdu.TypeAssociateAC {
		return fmt.Errorf("unexpected PDU type 0x%02x (expected A-ASSOCIATE-AC)", pduType)
	}

	data := make([]byte, pduLength)
	if _, err := io.ReadFull(a.conn, data); err != nil {
		return fmt.Errorf("failed to read PDU payload: %w", err)
	}

	accepted := 0
	offset := 68 // fixed header fields
	for offset+4 <= len(data) {
		itemType := data[offset]
		itemLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		itemEnd := offset + 4 + int(itemLength)
		if itemEnd > len(data) {
			break
		}

		switch itemType {
		case 0x21: // presentation context result
			ctxID := data[offset+4]
			result := byte(0xff)
			if itemLength >= 4 {
				result = data[offset+6] // result/reason, PS3.8 9.3.3.2
			}

			transferSyntax := ""
			sub := offset + 8
			for sub+4 <= itemEnd {
				subType := data[sub]
				subLength := binary.BigEndian.Uint16(data[sub+2 : sub+4])
				subEnd := sub + 4 + int(subLength)
				if subEnd > itemEnd {
					break
				}
				if subType == 0x40 && subLength > 0 {
					transferSyntax = strings.TrimRight(string(data[sub+4:subEnd]), "\x00 ")
				}
				sub = subEnd
			}

			if pc, ok := a.contexts[ctxID]; ok {
				pc.accepted = result == 0
				if pc.accepted {
					pc.transferSyntax = transferSyntax
					accepted++
				}
			}

		case 0x50: // user information
			sub := offset + 4
			for sub+4 <= itemEnd {
				subType := data[sub]
				subLength := binary.BigEndian.Uint16(data[sub+2 : sub+4])
				subEnd := sub + 4 + int(subLength)
				if subEnd > itemEnd {
					break
				}
				if subType == 0x51 && subLength == 4 {
					if peerMax := binary.BigEndian.Uint32(data[sub+4 : subEnd]); peerMax > 0 {
						a.maxPDU = peerMax
					}
				}
				sub = subEnd
			}
		}

		offset = itemEnd
	}

	if accepted == 0 {
		return fmt.Errorf("%w: peer accepted no presentation contexts", ErrNoPresentationContext)
	}
	return nil
}

// roleSelectionItem encodes an SCU/SCP role selection sub-item (PS3.7
// D.3.3.4) claiming the SCP role for the given SOP class.
func roleSelectionItem(sopClassUID string) []byte {
	payload := make([]byte, 0, len(sopClassUID)+4)
	payload = append(payload, byte(len(sopClassUID)>>8), byte(len(sopClassUID)))
	payload = append(payload, []byte(sopClassUID)...)
	payload = append(payload, 0x00, 0x01) // scu-role=0, scp-role=1
	return appendItem(nil, 0x54, payload)
}

func appendItem(buf []byte, itemType byte, payload []byte) []byte {
	buf = append(buf, itemType, 0x00)
	buf = append(buf, byte(len(payload)>>8), byte(len(payload)))
	return append(buf, payload...)
}

func paddedAET(aet string) []byte {
	out := []byte("                ")
	copy(out, aet)
	return out
}
