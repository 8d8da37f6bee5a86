package transport

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/gotmc/visaseq/lib/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T) (net.Listener, resource.Resource) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	addr := ln.Addr().(*net.TCPAddr)
	return ln, resource.Resource{
		Interface: resource.TCPIP,
		Host:      "127.0.0.1",
		Port:      addr.Port,
		Socket:    true,
		Secondary: -1,
	}
}

func TestDialTCPEcho(t *testing.T) {
	ln, res := listen(t)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		line, _ := bufio.NewReader(c).ReadString('\n')
		_, _ = c.Write([]byte("echo " + line))
	}()

	conn, err := Dialer{}.Dial(res)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadTimeout(time.Second))

	_, err = conn.Write([]byte("*IDN?\n"))
	require.NoError(t, err)
	got, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "echo *IDN?\n", got)
}

func TestDialTCPReadTimeout(t *testing.T) {
	ln, res := listen(t)
	done := make(chan struct{})
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		<-done
		c.Close()
	}()
	defer close(done)

	conn, err := Dialer{}.Dial(res)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadTimeout(20*time.Millisecond))

	_, err = conn.Read(make([]byte, 8))
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}

func TestDialRefused(t *testing.T) {
	ln, res := listen(t)
	ln.Close()

	_, err := Dialer{DialTimeout: time.Second}.Dial(res)
	require.Error(t, err)
	assert.False(t, IsTimeout(err))
}

func TestDialGPIBNeedsController(t *testing.T) {
	r, err := resource.Parse("GPIB0::4::INSTR")
	require.NoError(t, err)
	_, err = Dialer{}.Dial(r)
	assert.ErrorContains(t, err, "Prologix")
}
