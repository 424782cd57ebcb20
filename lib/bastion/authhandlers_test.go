package bastion

import (
	"net"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/vm-ssh-bastion/lib/directory"
)

// fakeConnMetadata implements ssh.ConnMetadata with just enough to drive
// passwordCallback's username parsing.
type fakeConnMetadata struct {
	username string
}

func (f fakeConnMetadata) User() string          { return f.username }
func (f fakeConnMetadata) SessionID() []byte     { return nil }
func (f fakeConnMetadata) ClientVersion() []byte { return nil }
func (f fakeConnMetadata) ServerVersion() []byte { return nil }
func (f fakeConnMetadata) RemoteAddr() net.Addr  { return nil }
func (f fakeConnMetadata) LocalAddr() net.Addr   { return nil }

// fakeResolver is an in-memory directory.Resolver for exercising the
// password callback without a live database.
type fakeResolver struct {
	byVMID map[int64]string
}

func (f *fakeResolver) Resolve(vmID int64) (string, error) {
	if ip, ok := f.byVMID[vmID]; ok {
		return ip, nil
	}
	return "", directory.ErrNotFound
}

func (f *fakeResolver) Close() error { return nil }

func testLogger() *log.Entry {
	return log.WithField("test", true)
}

func TestPasswordCallbackAcceptsWellFormedUsername(t *testing.T) {
	resolver := &fakeResolver{byVMID: map[int64]string{42: "10.0.0.9"}}
	sreq := NewSessionRequest()

	_, err := passwordCallback(fakeConnMetadata{username: "42-alice"}, []byte("hunter2"), resolver, sreq, testLogger())
	require.NoError(t, err)
	require.Equal(t, int64(42), sreq.VMID)
	require.Equal(t, "alice", sreq.RealUsername)
	require.Equal(t, "10.0.0.9", sreq.TargetIP)
	require.Equal(t, []byte("hunter2"), sreq.Password)
}

func TestPasswordCallbackSplitsOnlyFirstHyphen(t *testing.T) {
	resolver := &fakeResolver{byVMID: map[int64]string{7: "10.0.0.1"}}
	sreq := NewSessionRequest()

	_, err := passwordCallback(fakeConnMetadata{username: "7-jane-doe"}, []byte("pw"), resolver, sreq, testLogger())
	require.NoError(t, err)
	require.Equal(t, "jane-doe", sreq.RealUsername)
}

func TestPasswordCallbackRejectsMissingHyphen(t *testing.T) {
	resolver := &fakeResolver{}
	sreq := NewSessionRequest()

	_, err := passwordCallback(fakeConnMetadata{username: "noseparator"}, []byte("pw"), resolver, sreq, testLogger())
	require.Error(t, err)
}

func TestPasswordCallbackRejectsNonNumericVMID(t *testing.T) {
	resolver := &fakeResolver{}
	sreq := NewSessionRequest()

	_, err := passwordCallback(fakeConnMetadata{username: "abc-bob"}, []byte("pw"), resolver, sreq, testLogger())
	require.Error(t, err)
}

func TestPasswordCallbackRejectsUsernameStartingWithHyphen(t *testing.T) {
	resolver := &fakeResolver{}
	sreq := NewSessionRequest()

	// The first "-" is always taken as the vm_id/username separator, so
	// a leading hyphen leaves an empty, unparseable vm_id prefix.
	_, err := passwordCallback(fakeConnMetadata{username: "-5-bob"}, []byte("pw"), resolver, sreq, testLogger())
	require.Error(t, err)
}

func TestPasswordCallbackRejectsUnknownVM(t *testing.T) {
	resolver := &fakeResolver{byVMID: map[int64]string{}}
	sreq := NewSessionRequest()

	_, err := passwordCallback(fakeConnMetadata{username: "99-bob"}, []byte("pw"), resolver, sreq, testLogger())
	require.Error(t, err)
}

func TestPasswordCallbackRejectsEmptyRealUsername(t *testing.T) {
	resolver := &fakeResolver{byVMID: map[int64]string{3: "10.0.0.2"}}
	sreq := NewSessionRequest()

	_, err := passwordCallback(fakeConnMetadata{username: "3-"}, []byte("pw"), resolver, sreq, testLogger())
	require.Error(t, err)
}
