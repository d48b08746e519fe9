package signal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Wire protocol constants shared with the out-of-process signal worker. The
// worker is built and run independently of this process; this file is the
// only place the handshake between the two is encoded.
const (
	socketTimeout = 60 * time.Second
	chunkSize     = 4096
)

const ackByte = 0x01

// writeInitFrame sends the single unframed startup message a worker expects
// as its very first read: no length prefix, no ACK exchange.
func writeInitFrame(conn net.Conn, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding init frame: %w", err)
	}
	if err := conn.SetWriteDeadline(time.Now().Add(socketTimeout)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if _, err := conn.Write(body); err != nil {
		return fmt.Errorf("writing init frame: %w", err)
	}
	return nil
}

// sendQuery sends one client->server query frame: a 4-byte big-endian length,
// then (after the worker ACKs the length) the JSON body in chunkSize pieces.
func sendQuery(conn net.Conn, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding query: %w", err)
	}

	if err := conn.SetWriteDeadline(time.Now().Add(socketTimeout)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(body)))
	if _, err := conn.Write(header); err != nil {
		return fmt.Errorf("writing query length: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(socketTimeout)); err != nil {
		return fmt.Errorf("setting read deadline: %w", err)
	}
	ackBuf := make([]byte, 1)
	if _, err := readFull(conn, ackBuf); err != nil {
		return fmt.Errorf("reading length ack: %w", err)
	}
	if ackBuf[0] != ackByte {
		return fmt.Errorf("unexpected ack byte after length: %#x", ackBuf[0])
	}

	if err := conn.SetWriteDeadline(time.Now().Add(socketTimeout)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	for i := 0; i < len(body); i += chunkSize {
		end := i + chunkSize
		if end > len(body) {
			end = len(body)
		}
		if _, err := conn.Write(body[i:end]); err != nil {
			return fmt.Errorf("writing query body: %w", err)
		}
	}
	return nil
}

// readQueryResult reads the server->client response frame: one ACK byte
// followed by a 4-byte big-endian length and the JSON body, then unmarshals
// the body into v.
//
// TCP/SOCK_STREAM reads can coalesce the ACK with the start of the length
// header (or even the body) in a single syscall. If the first read returns
// more than one byte, the extra bytes already belong to the header/body and
// must be kept rather than discarded by issuing a second blocking read.
func readQueryResult(conn net.Conn, v interface{}) error {
	if err := conn.SetReadDeadline(time.Now().Add(socketTimeout)); err != nil {
		return fmt.Errorf("setting read deadline: %w", err)
	}

	buf := make([]byte, chunkSize)
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("reading response ack: %w", err)
	}
	if n == 0 || buf[0] != ackByte {
		return fmt.Errorf("unexpected ack byte: %v", buf[:n])
	}

	have := append([]byte(nil), buf[1:n]...)
	have, err = readAtLeast(conn, have, 4)
	if err != nil {
		return fmt.Errorf("reading response length: %w", err)
	}
	length := int(binary.BigEndian.Uint32(have[:4]))
	have = have[4:]

	have, err = readAtLeast(conn, have, length)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	body := have[:length]

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// readAtLeast grows have with further reads from conn until it holds at
// least want bytes, preserving any extra bytes already read past want.
func readAtLeast(conn net.Conn, have []byte, want int) ([]byte, error) {
	for len(have) < want {
		buf := make([]byte, chunkSize)
		n, err := conn.Read(buf)
		if err != nil {
			return nil, err
		}
		have = append(have, buf[:n]...)
	}
	return have, nil
}

// readFull reads exactly len(buf) bytes, issuing further reads as needed.
func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
