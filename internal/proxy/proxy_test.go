package proxy

import (
	"context"
	"errors"
	"testing"

	"github.com/caio-sobreiro/dicomnet/dicom"
	"github.com/caio-sobreiro/dicomnet/interfaces"
	"github.com/caio-sobreiro/dicomnet/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otcheredev/dicomshield/internal/config"
	"github.com/otcheredev/dicomshield/internal/metrics"
	"github.com/otcheredev/dicomshield/internal/relay"
)

// passthroughShield counts traversals without touching the datasets, so
// tests can assert the shield sits on every relay path.
type passthroughShield struct {
	queryCalls    int
	retrieveCalls int
	storeCalls    int
}

func (s *passthroughShield) Query(_ context.Context, ds *dicom.Dataset) *dicom.Dataset {
	s.queryCalls++
	return ds
}

func (s *passthroughShield) Retrieve(_ context.Context, ds *dicom.Dataset) *dicom.Dataset {
	s.retrieveCalls++
	return ds
}

func (s *passthroughShield) Store(_ context.Context, ds *dicom.Dataset) *dicom.Dataset {
	s.storeCalls++
	return ds
}

type storedCall struct {
	sopClassUID    string
	sopInstanceUID string
	data           []byte
}

// fakeSession is a programmable upstream association.
type fakeSession struct {
	echoFn  func(ctx context.Context) (uint16, error)
	findFn  func(ctx context.Context, modelUID string, identifier *dicom.Dataset, fn func(status uint16, ds *dicom.Dataset) error) (uint16, error)
	moveFn  func(ctx context.Context, modelUID, destination string, identifier *dicom.Dataset) (*types.Message, error)
	getFn   func(ctx context.Context, modelUID string, identifier *dicom.Dataset, onStore func(ev *relay.StoreEvent) uint16) (*types.Message, error)
	storeFn func(ctx context.Context, sopClassUID, sopInstanceUID string, data []byte) (uint16, error)

	stored   []storedCall
	released bool
}

func (s *fakeSession) Echo(ctx context.Context) (uint16, error) {
	if s.echoFn != nil {
		return s.echoFn(ctx)
	}
	return types.StatusSuccess, nil
}

func (s *fakeSession) Find(ctx context.Context, modelUID string, identifier *dicom.Dataset, fn func(status uint16, ds *dicom.Dataset) error) (uint16, error) {
	if s.findFn != nil {
		return s.findFn(ctx, modelUID, identifier, fn)
	}
	return types.StatusSuccess, nil
}

func (s *fakeSession) Move(ctx context.Context, modelUID, destination string, identifier *dicom.Dataset) (*types.Message, error) {
	if s.moveFn != nil {
		return s.moveFn(ctx, modelUID, destination, identifier)
	}
	return &types.Message{Status: types.StatusSuccess}, nil
}

func (s *fakeSession) Get(ctx context.Context, modelUID string, identifier *dicom.Dataset, onStore func(ev *relay.StoreEvent) uint16) (*types.Message, error) {
	if s.getFn != nil {
		return s.getFn(ctx, modelUID, identifier, onStore)
	}
	return &types.Message{Status: types.StatusSuccess}, nil
}

func (s *fakeSession) Store(ctx context.Context, sopClassUID, sopInstanceUID string, data []byte) (uint16, error) {
	s.stored = append(s.stored, storedCall{sopClassUID, sopInstanceUID, data})
	if s.storeFn != nil {
		return s.storeFn(ctx, sopClassUID, sopInstanceUID, data)
	}
	return types.StatusSuccess, nil
}

func (s *fakeSession) Release() error {
	s.released = true
	return nil
}

type destinationCall struct {
	dest           config.Destination
	calledAET      string
	sopClassUIDs   []string
	transferSyntax string
}

// fakeDialer hands out fake sessions and records what was asked of it.
type fakeDialer struct {
	session    *fakeSession
	assocErr   error
	queryCalls int
	lastAction relay.Action
	lastLevel  string

	storeSession *fakeSession
	storeErr     error

	destSession *fakeSession
	destErr     error
	destCalls   []destinationCall
}

func (d *fakeDialer) AssociateForQuery(_ context.Context, action relay.Action, level string) (Session, string, error) {
	d.queryCalls++
	d.lastAction = action
	d.lastLevel = level
	if d.assocErr != nil {
		return nil, "", d.assocErr
	}
	return d.session, types.StudyRootQueryRetrieveInformationModelFind, nil
}

func (d *fakeDialer) AssociateStore(_ context.Context, sopClassUID, transferSyntax string) (Session, error) {
	if d.storeErr != nil {
		return nil, d.storeErr
	}
	return d.storeSession, nil
}

func (d *fakeDialer) AssociateDestination(_ context.Context, dest config.Destination, calledAET string, sopClassUIDs []string, transferSyntax string) (Session, error) {
	d.destCalls = append(d.destCalls, destinationCall{dest, calledAET, sopClassUIDs, transferSyntax})
	if d.destErr != nil {
		return nil, d.destErr
	}
	return d.destSession, nil
}

// fakeResponder collects everything sent back toward the client. A sendFunc
// can reject sends to simulate a lost client association.
type fakeResponder struct {
	responses []*types.Message
	datasets  []*dicom.Dataset
	syntaxes  []string
	sendFunc  func(msg *types.Message, ds *dicom.Dataset, transferSyntax string) error
}

func (r *fakeResponder) SendResponse(msg *types.Message, ds *dicom.Dataset, transferSyntax string) error {
	if r.sendFunc != nil {
		if err := r.sendFunc(msg, ds, transferSyntax); err != nil {
			return err
		}
	}
	r.responses = append(r.responses, msg)
	r.datasets = append(r.datasets, ds)
	r.syntaxes = append(r.syntaxes, transferSyntax)
	return nil
}

func (r *fakeResponder) last() *types.Message {
	return r.responses[len(r.responses)-1]
}

// fakeGetResponder additionally accepts C-STORE sub-operations.
type fakeGetResponder struct {
	fakeResponder
	stores   []storedCall
	storeErr error
}

func (r *fakeGetResponder) SendCStore(sopClassUID, sopInstanceUID string, data []byte) error {
	r.stores = append(r.stores, storedCall{sopClassUID, sopInstanceUID, data})
	return r.storeErr
}

func testConfig() *config.Config {
	return &config.Config{
		Ingress:        config.Endpoint{AET: "DICOMSHIELD", Port: 11112},
		CStoreEndpoint: config.Endpoint{AET: "SHIELD-STORE", Port: 11113},
		AllowedAET: map[string]config.Destination{
			"WORKSTATION1": {IP: "10.0.0.21", Port: 11112},
		},
	}
}

func newTestProxy(dialer Dialer, sh Transformer, sink *relay.Sink) *Proxy {
	return New(testConfig(), dialer, sh, sink, metrics.New(prometheus.NewRegistry()), zerolog.Nop())
}

func testMeta() interfaces.MessageContext {
	return interfaces.MessageContext{
		PresentationContextID: 1,
		TransferSyntaxUID:     dicom.TransferSyntaxExplicitVRLittleEndian,
	}
}

func queryIdentifier(t *testing.T, level string) []byte {
	t.Helper()
	ds := dicom.NewDataset()
	if level != "" {
		ds.AddElement(relay.QueryRetrieveLevelTag, "CS", level)
	}
	ds.AddElement(dicom.Tag{Group: 0x0010, Element: 0x0020}, "LO", "PSN-001")
	data, err := dicom.EncodeDatasetWithTransferSyntax(ds, "")
	require.NoError(t, err)
	return data
}

func matchDataset(t *testing.T) *dicom.Dataset {
	t.Helper()
	ds := dicom.NewDataset()
	ds.AddElement(relay.QueryRetrieveLevelTag, "CS", "STUDY")
	ds.AddElement(dicom.Tag{Group: 0x0010, Element: 0x0020}, "LO", "12345")
	return ds
}

func TestEchoIsAnsweredLocally(t *testing.T) {
	// An unreachable upstream must not break verification: the proxy is
	// the peer being echoed, so no association is dialed.
	dialer := &fakeDialer{assocErr: errors.New("connection refused")}
	p := newTestProxy(dialer, &passthroughShield{}, relay.NewSink(4, zerolog.Nop()))

	rsp, _, err := p.HandleDIMSE(context.Background(), &types.Message{CommandField: types.CEchoRQ, MessageID: 1}, nil, testMeta())
	require.NoError(t, err)
	assert.Equal(t, uint16(types.CEchoRSP), rsp.CommandField)
	assert.Equal(t, uint16(types.StatusSuccess), rsp.Status)
	assert.Zero(t, dialer.queryCalls)
}

func TestUnsupportedCommandIsRefused(t *testing.T) {
	p := newTestProxy(&fakeDialer{}, &passthroughShield{}, relay.NewSink(4, zerolog.Nop()))

	rsp, _, err := p.HandleDIMSE(context.Background(), &types.Message{CommandField: 0x0999, MessageID: 1}, nil, testMeta())
	require.NoError(t, err)
	assert.Equal(t, uint16(StatusUnableToProcess), rsp.Status)
}

func TestFindRejectsMissingQueryLevel(t *testing.T) {
	dialer := &fakeDialer{session: &fakeSession{}}
	p := newTestProxy(dialer, &passthroughShield{}, relay.NewSink(4, zerolog.Nop()))
	responder := &fakeResponder{}

	msg := &types.Message{CommandField: types.CFindRQ, MessageID: 1}
	err := p.HandleDIMSEStreaming(context.Background(), msg, queryIdentifier(t, ""), testMeta(), responder)
	require.NoError(t, err)

	require.Len(t, responder.responses, 1)
	assert.Equal(t, uint16(StatusIdentifierViolation), responder.last().Status)
	assert.Zero(t, dialer.queryCalls, "nothing may reach the upstream")
}

func TestFindRelaysMatchesThroughShield(t *testing.T) {
	session := &fakeSession{
		findFn: func(_ context.Context, _ string, _ *dicom.Dataset, fn func(status uint16, ds *dicom.Dataset) error) (uint16, error) {
			for i := 0; i < 2; i++ {
				if err := fn(types.StatusPending, matchDataset(t)); err != nil {
					return 0, err
				}
			}
			return types.StatusSuccess, nil
		},
	}
	dialer := &fakeDialer{session: session}
	sh := &passthroughShield{}
	p := newTestProxy(dialer, sh, relay.NewSink(4, zerolog.Nop()))
	responder := &fakeResponder{}

	msg := &types.Message{CommandField: types.CFindRQ, MessageID: 1}
	err := p.HandleDIMSEStreaming(context.Background(), msg, queryIdentifier(t, "study"), testMeta(), responder)
	require.NoError(t, err)

	require.Len(t, responder.responses, 3)
	for i := 0; i < 2; i++ {
		assert.Equal(t, uint16(types.StatusPending), responder.responses[i].Status)
		require.NotNil(t, responder.datasets[i], "pending responses carry the shielded match")
		assert.Equal(t, "12345", responder.datasets[i].GetString(dicom.Tag{Group: 0x0010, Element: 0x0020}))
		assert.Equal(t, dicom.TransferSyntaxExplicitVRLittleEndian, responder.syntaxes[i])
	}
	assert.Equal(t, uint16(types.StatusSuccess), responder.last().Status)
	assert.Nil(t, responder.datasets[2])

	assert.Equal(t, relay.ActionFind, dialer.lastAction)
	assert.Equal(t, "STUDY", dialer.lastLevel)
	assert.Equal(t, 1, sh.queryCalls, "outgoing identifier is shielded once")
	assert.Equal(t, 2, sh.retrieveCalls, "every match is shielded")
	assert.True(t, session.released)
}

func TestFindUpstreamAssociationFailure(t *testing.T) {
	dialer := &fakeDialer{assocErr: errors.New("dial tcp: refused")}
	p := newTestProxy(dialer, &passthroughShield{}, relay.NewSink(4, zerolog.Nop()))
	responder := &fakeResponder{}

	msg := &types.Message{CommandField: types.CFindRQ, MessageID: 1}
	err := p.HandleDIMSEStreaming(context.Background(), msg, queryIdentifier(t, "STUDY"), testMeta(), responder)
	require.NoError(t, err)

	require.Len(t, responder.responses, 1)
	assert.Equal(t, uint16(StatusUnableToProcess), responder.last().Status)
}

func TestFindPassesUpstreamErrorStatusThrough(t *testing.T) {
	session := &fakeSession{
		findFn: func(_ context.Context, _ string, _ *dicom.Dataset, _ func(status uint16, ds *dicom.Dataset) error) (uint16, error) {
			return 0xA700, nil // out of resources
		},
	}
	p := newTestProxy(&fakeDialer{session: session}, &passthroughShield{}, relay.NewSink(4, zerolog.Nop()))
	responder := &fakeResponder{}

	msg := &types.Message{CommandField: types.CFindRQ, MessageID: 1}
	err := p.HandleDIMSEStreaming(context.Background(), msg, queryIdentifier(t, "STUDY"), testMeta(), responder)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xA700), responder.last().Status)
}

func TestFindDecodesIdentifierWithNegotiatedSyntax(t *testing.T) {
	ds := dicom.NewDataset()
	ds.AddElement(relay.QueryRetrieveLevelTag, "CS", "STUDY")
	data, err := dicom.EncodeDatasetWithTransferSyntax(ds, types.ImplicitVRLittleEndian)
	require.NoError(t, err)

	dialer := &fakeDialer{session: &fakeSession{}}
	p := newTestProxy(dialer, &passthroughShield{}, relay.NewSink(4, zerolog.Nop()))
	responder := &fakeResponder{}

	meta := interfaces.MessageContext{PresentationContextID: 1, TransferSyntaxUID: types.ImplicitVRLittleEndian}
	msg := &types.Message{CommandField: types.CFindRQ, MessageID: 1}
	err = p.HandleDIMSEStreaming(context.Background(), msg, data, meta, responder)
	require.NoError(t, err)

	assert.Equal(t, 1, dialer.queryCalls, "an implicit-VR identifier decodes with the negotiated syntax")
	assert.Equal(t, "STUDY", dialer.lastLevel)
	require.NotEmpty(t, responder.syntaxes)
	assert.Equal(t, types.ImplicitVRLittleEndian, responder.syntaxes[0], "responses go back in the same syntax")
}

func TestMoveRejectsUnknownDestination(t *testing.T) {
	dialer := &fakeDialer{session: &fakeSession{}}
	p := newTestProxy(dialer, &passthroughShield{}, relay.NewSink(4, zerolog.Nop()))
	responder := &fakeResponder{}

	msg := &types.Message{CommandField: types.CMoveRQ, MessageID: 1, MoveDestination: "NOWHERE"}
	err := p.HandleDIMSEStreaming(context.Background(), msg, queryIdentifier(t, "STUDY"), testMeta(), responder)
	require.NoError(t, err)

	require.Len(t, responder.responses, 1)
	assert.Equal(t, uint16(StatusIdentifierViolation), responder.last().Status)
	assert.Zero(t, dialer.queryCalls, "unknown destinations are rejected before any upstream traffic")
}

func TestMoveForwardsQueuedDatasets(t *testing.T) {
	sink := relay.NewSink(4, zerolog.Nop())
	completed := uint16(2)

	session := &fakeSession{
		moveFn: func(ctx context.Context, _ string, destination string, _ *dicom.Dataset) (*types.Message, error) {
			// The upstream must be pointed at the internal receiver, not
			// at the destination the client named.
			assert.Equal(t, "SHIELD-STORE", destination)
			for _, uid := range []string{"1.2.3.1", "1.2.3.2"} {
				err := sink.Deliver(ctx, &relay.Item{
					Dataset:        matchDataset(t),
					SOPClassUID:    types.CTImageStorage,
					SOPInstanceUID: uid,
					Anonymized:     true,
				})
				assert.NoError(t, err)
			}
			return &types.Message{
				Status:                         types.StatusSuccess,
				NumberOfCompletedSuboperations: &completed,
			}, nil
		},
	}
	dest := &fakeSession{}
	dialer := &fakeDialer{session: session, destSession: dest}
	p := newTestProxy(dialer, &passthroughShield{}, sink)
	responder := &fakeResponder{}

	msg := &types.Message{CommandField: types.CMoveRQ, MessageID: 1, MoveDestination: "WORKSTATION1"}
	err := p.HandleDIMSEStreaming(context.Background(), msg, queryIdentifier(t, "STUDY"), testMeta(), responder)
	require.NoError(t, err)

	require.Len(t, dest.stored, 2, "both datasets reach the real destination")
	assert.Equal(t, "1.2.3.1", dest.stored[0].sopInstanceUID)
	assert.True(t, dest.released)
	assert.True(t, session.released)

	require.Len(t, dialer.destCalls, 1)
	assert.Equal(t, "WORKSTATION1", dialer.destCalls[0].calledAET)
	assert.Equal(t, "10.0.0.21", dialer.destCalls[0].dest.IP)

	require.Len(t, responder.responses, 3)
	assert.Equal(t, uint16(types.StatusPending), responder.responses[0].Status)
	final := responder.last()
	assert.Equal(t, uint16(types.StatusSuccess), final.Status)
	require.NotNil(t, final.NumberOfCompletedSuboperations)
	assert.Equal(t, uint16(2), *final.NumberOfCompletedSuboperations)
}

func TestMoveNeverForwardsUnshieldedDatasets(t *testing.T) {
	sink := relay.NewSink(4, zerolog.Nop())
	completed := uint16(1)

	session := &fakeSession{
		moveFn: func(ctx context.Context, _, _ string, _ *dicom.Dataset) (*types.Message, error) {
			err := sink.Deliver(ctx, &relay.Item{
				Dataset:        matchDataset(t),
				SOPClassUID:    types.CTImageStorage,
				SOPInstanceUID: "1.2.3.1",
				Anonymized:     false,
			})
			assert.NoError(t, err)
			return &types.Message{
				Status:                         types.StatusSuccess,
				NumberOfCompletedSuboperations: &completed,
			}, nil
		},
	}
	dialer := &fakeDialer{session: session, destSession: &fakeSession{}}
	p := newTestProxy(dialer, &passthroughShield{}, sink)
	responder := &fakeResponder{}

	msg := &types.Message{CommandField: types.CMoveRQ, MessageID: 1, MoveDestination: "WORKSTATION1"}
	err := p.HandleDIMSEStreaming(context.Background(), msg, queryIdentifier(t, "STUDY"), testMeta(), responder)
	require.NoError(t, err)

	assert.Empty(t, dialer.destCalls, "no destination association for a dataset that skipped the shield")
	final := responder.last()
	require.NotNil(t, final.NumberOfFailedSuboperations)
	assert.Equal(t, uint16(1), *final.NumberOfFailedSuboperations)
}

func TestMoveStopsDrainWhenClientVanishes(t *testing.T) {
	sink := relay.NewSink(4, zerolog.Nop())
	completed := uint16(2)

	session := &fakeSession{
		moveFn: func(ctx context.Context, _, _ string, _ *dicom.Dataset) (*types.Message, error) {
			for _, uid := range []string{"1.2.3.1", "1.2.3.2"} {
				err := sink.Deliver(ctx, &relay.Item{
					Dataset:        matchDataset(t),
					SOPClassUID:    types.CTImageStorage,
					SOPInstanceUID: uid,
					Anonymized:     true,
				})
				assert.NoError(t, err)
			}
			return &types.Message{
				Status:                         types.StatusSuccess,
				NumberOfCompletedSuboperations: &completed,
			}, nil
		},
	}
	dest := &fakeSession{}
	dialer := &fakeDialer{session: session, destSession: dest}
	p := newTestProxy(dialer, &passthroughShield{}, sink)
	responder := &fakeResponder{
		sendFunc: func(msg *types.Message, _ *dicom.Dataset, _ string) error {
			if msg.Status == types.StatusPending {
				return errors.New("write: broken pipe")
			}
			return nil
		},
	}

	msg := &types.Message{CommandField: types.CMoveRQ, MessageID: 1, MoveDestination: "WORKSTATION1"}
	err := p.HandleDIMSEStreaming(context.Background(), msg, queryIdentifier(t, "STUDY"), testMeta(), responder)
	require.Error(t, err, "a lost client aborts the handler")

	assert.Len(t, dest.stored, 1, "the drain stops at the first failed send")
	assert.True(t, dest.released)
	assert.True(t, session.released)
	assert.Empty(t, responder.responses, "no further responses once the client is gone")

	// The claim was released with the abort, so the next retrieval can
	// take the sink immediately.
	claim, err := sink.Claim(context.Background())
	require.NoError(t, err)
	claim.Release()
}

func TestMoveUpstreamFailure(t *testing.T) {
	session := &fakeSession{
		moveFn: func(context.Context, string, string, *dicom.Dataset) (*types.Message, error) {
			return nil, errors.New("association aborted by peer")
		},
	}
	p := newTestProxy(&fakeDialer{session: session, destSession: &fakeSession{}}, &passthroughShield{}, relay.NewSink(4, zerolog.Nop()))
	responder := &fakeResponder{}

	msg := &types.Message{CommandField: types.CMoveRQ, MessageID: 1, MoveDestination: "WORKSTATION1"}
	err := p.HandleDIMSEStreaming(context.Background(), msg, queryIdentifier(t, "STUDY"), testMeta(), responder)
	require.NoError(t, err)
	assert.Equal(t, uint16(StatusUnableToProcess), responder.last().Status)
}

func TestGetRequiresSubOperationCapableListener(t *testing.T) {
	dialer := &fakeDialer{session: &fakeSession{}}
	p := newTestProxy(dialer, &passthroughShield{}, relay.NewSink(4, zerolog.Nop()))
	responder := &fakeResponder{} // no SendCStore

	msg := &types.Message{CommandField: types.CGetRQ, MessageID: 1}
	err := p.HandleDIMSEStreaming(context.Background(), msg, queryIdentifier(t, "STUDY"), testMeta(), responder)
	require.NoError(t, err)

	require.Len(t, responder.responses, 1)
	assert.Equal(t, uint16(types.CGetRSP), responder.last().CommandField)
	assert.Equal(t, uint16(StatusUnableToProcess), responder.last().Status)
	assert.Zero(t, dialer.queryCalls)
}

func TestGetRelaysSubOperationsInline(t *testing.T) {
	subOp := dicom.NewDataset()
	subOp.AddElement(dicom.Tag{Group: 0x0008, Element: 0x0018}, "UI", "9.9.9")
	subOp.AddElement(dicom.Tag{Group: 0x0010, Element: 0x0020}, "LO", "12345")
	subOpData, err := dicom.EncodeDatasetWithTransferSyntax(subOp, "")
	require.NoError(t, err)

	session := &fakeSession{
		getFn: func(_ context.Context, _ string, _ *dicom.Dataset, onStore func(ev *relay.StoreEvent) uint16) (*types.Message, error) {
			for i := 0; i < 2; i++ {
				status := onStore(&relay.StoreEvent{
					SOPClassUID:    types.CTImageStorage,
					SOPInstanceUID: "1.2.3",
					Data:           subOpData,
				})
				assert.Equal(t, uint16(types.StatusSuccess), status, "the relayed status answers the upstream C-STORE")
			}
			return &types.Message{Status: types.StatusSuccess}, nil
		},
	}
	dialer := &fakeDialer{session: session}
	sh := &passthroughShield{}
	p := newTestProxy(dialer, sh, relay.NewSink(4, zerolog.Nop()))
	responder := &fakeGetResponder{}

	msg := &types.Message{CommandField: types.CGetRQ, MessageID: 1}
	err = p.HandleDIMSEStreaming(context.Background(), msg, queryIdentifier(t, "STUDY"), testMeta(), responder)
	require.NoError(t, err)

	require.Len(t, responder.stores, 2, "sub-operation datasets go straight back to the client")
	assert.Equal(t, types.CTImageStorage, responder.stores[0].sopClassUID)
	assert.Equal(t, "9.9.9", responder.stores[0].sopInstanceUID, "instance UID comes from the shielded dataset")
	assert.Equal(t, 2, sh.retrieveCalls)
	assert.Equal(t, relay.ActionGet, dialer.lastAction)

	final := responder.last()
	assert.Equal(t, uint16(types.StatusSuccess), final.Status)
	require.NotNil(t, final.NumberOfCompletedSuboperations)
	assert.Equal(t, uint16(2), *final.NumberOfCompletedSuboperations)
	assert.True(t, session.released)
}

func TestGetCountsClientStoreFailures(t *testing.T) {
	subOp := dicom.NewDataset()
	subOp.AddElement(dicom.Tag{Group: 0x0008, Element: 0x0018}, "UI", "9.9.9")
	subOpData, err := dicom.EncodeDatasetWithTransferSyntax(subOp, "")
	require.NoError(t, err)

	session := &fakeSession{
		getFn: func(_ context.Context, _ string, _ *dicom.Dataset, onStore func(ev *relay.StoreEvent) uint16) (*types.Message, error) {
			status := onStore(&relay.StoreEvent{
				SOPClassUID:    types.CTImageStorage,
				SOPInstanceUID: "1.2.3",
				Data:           subOpData,
			})
			assert.Equal(t, uint16(StatusUnableToProcess), status)
			return &types.Message{Status: types.StatusSuccess}, nil
		},
	}
	p := newTestProxy(&fakeDialer{session: session}, &passthroughShield{}, relay.NewSink(4, zerolog.Nop()))
	responder := &fakeGetResponder{storeErr: errors.New("client aborted")}

	msg := &types.Message{CommandField: types.CGetRQ, MessageID: 1}
	err = p.HandleDIMSEStreaming(context.Background(), msg, queryIdentifier(t, "STUDY"), testMeta(), responder)
	require.NoError(t, err)

	final := responder.last()
	require.NotNil(t, final.NumberOfFailedSuboperations)
	assert.Equal(t, uint16(1), *final.NumberOfFailedSuboperations)
}

func TestStoreIsBytePreservingPassThrough(t *testing.T) {
	upstream := &fakeSession{
		storeFn: func(_ context.Context, _, _ string, _ []byte) (uint16, error) {
			return 0xB000, nil // upstream warning comes back verbatim
		},
	}
	dialer := &fakeDialer{storeSession: upstream}
	sh := &passthroughShield{}
	p := newTestProxy(dialer, sh, relay.NewSink(4, zerolog.Nop()))

	raw := []byte{0xde, 0xad, 0xbe, 0xef}
	msg := &types.Message{
		CommandField:           types.CStoreRQ,
		MessageID:              7,
		AffectedSOPClassUID:    types.CTImageStorage,
		AffectedSOPInstanceUID: "1.2.3",
	}
	rsp, _, err := p.HandleDIMSE(context.Background(), msg, raw, testMeta())
	require.NoError(t, err)

	require.Len(t, upstream.stored, 1)
	assert.Equal(t, raw, upstream.stored[0].data, "dataset bytes are not reencoded")
	assert.Equal(t, "1.2.3", upstream.stored[0].sopInstanceUID)
	assert.Equal(t, uint16(0xB000), rsp.Status)
	assert.True(t, upstream.released)
	assert.Zero(t, sh.retrieveCalls, "the store direction does not shield")
}

func TestStoreUpstreamAssociationFailure(t *testing.T) {
	dialer := &fakeDialer{storeErr: errors.New("dial tcp: refused")}
	p := newTestProxy(dialer, &passthroughShield{}, relay.NewSink(4, zerolog.Nop()))

	msg := &types.Message{CommandField: types.CStoreRQ, MessageID: 1, AffectedSOPClassUID: types.CTImageStorage}
	rsp, _, err := p.HandleDIMSE(context.Background(), msg, []byte{0x00}, testMeta())
	require.NoError(t, err)
	assert.Equal(t, uint16(StatusUnableToProcess), rsp.Status)
}
