package directory

import (
	"fmt"
	"testing"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/stretchr/testify/require"
)

// fakeExecutor is a minimal stand-in for *client.Conn used to exercise
// the error path of Resolve without a live database. The success/
// not-found paths read fields off the concrete *mysql.Result the real
// driver returns and are covered by integration testing against an
// actual MariaDB/MySQL instance instead of a hand-built fake, since
// fabricating a *mysql.Result's internal row storage here would risk
// silently diverging from the driver's real layout.
type fakeExecutor struct {
	err error
}

func (f *fakeExecutor) Execute(command string, args ...interface{}) (*mysql.Result, error) {
	return nil, f.err
}

func (f *fakeExecutor) Close() error { return nil }

func TestResolveQueryError(t *testing.T) {
	fake := &fakeExecutor{err: fmt.Errorf("connection reset")}
	resolver := newResolverWithExecutor(fake)

	_, err := resolver.Resolve(1)
	require.Error(t, err)
}

func TestCloseWrapsExecutorClose(t *testing.T) {
	fake := &fakeExecutor{}
	resolver := newResolverWithExecutor(fake)

	require.NoError(t, resolver.Close())
}
