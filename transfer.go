package ftp

import (
	"context"
	"io"
	"strings"

	"go.uber.org/zap"
)

// chunkSize is the size of every data channel read and of every input
// request during an upload.
const chunkSize = 1024

// Direction of a transfer.
type Direction int

const (
	DirectionDownload Direction = iota
	DirectionUpload
)

func (d Direction) String() string {
	if d == DirectionUpload {
		return "upload"
	}
	return "download"
}

// Outcome is the terminal state of a transfer.
type Outcome int

const (
	Succeeded Outcome = iota
	Failed
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "succeeded"
	}
}

// Transfer describes one finished upload or download.
type Transfer struct {
	Direction Direction
	// Name is the remote file name. For unique uploads it is the name the
	// server reported, when it reported one.
	Name string
	// Bytes is the number of bytes moved over the data channel.
	Bytes   int64
	Outcome Outcome
	// Status is the completion reply read from the control channel after
	// the data channel was closed. Nil if it could not be read.
	Status *Response
	// Err is the I/O error that ended the transfer loop, if any.
	Err error
}

// Succeeded reports whether the transfer completed normally.
func (t *Transfer) Succeeded() bool {
	return t.Outcome == Succeeded
}

// ProgressFunc receives every download read: the size of the chunk, the
// running total and the chunk bytes. The chunk is only valid during the call.
type ProgressFunc func(n int, total int64, chunk []byte)

// WrittenFunc receives the running total after every upload write.
type WrittenFunc func(total int64)

// InputFunc produces the next upload chunk of at most max bytes. An empty
// chunk ends the upload.
type InputFunc func(max int) ([]byte, error)

// CancelledFunc is polled once before every chunk. Returning true stops the
// transfer after the current chunk.
type CancelledFunc func() bool

func transferType(binary bool) string {
	if binary {
		return "I"
	}
	return "A"
}

// Download retrieves name with RETR and hands every chunk to onRead.
//
// The returned Transfer carries the byte total and the loop outcome whatever
// the completion reply was; inspect Transfer.Status for it. An error is
// returned only when the transfer could not start.
func (c *Client) Download(name string, binary bool, onRead ProgressFunc, cancelled CancelledFunc) (*Transfer, error) {
	return c.download(context.Background(), name, binary, onRead, cancelled)
}

func (c *Client) download(ctx context.Context, name string, binary bool, onRead ProgressFunc, cancelled CancelledFunc) (*Transfer, error) {
	if name == "" {
		return nil, &ParameterError{Name: "name"}
	}
	if onRead == nil {
		return nil, &ParameterError{Name: "onRead"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.idle.Store(false)
	defer c.endTransfer()

	if err := c.setType(transferType(binary)); err != nil {
		return nil, err
	}

	line := "RETR " + name
	dc, prelim, err := c.openDataCommand(line)
	if err != nil {
		return nil, err
	}

	t := &Transfer{Direction: DirectionDownload, Name: name}
	buf := make([]byte, chunkSize)
	for {
		if cancelled != nil && cancelled() {
			t.Outcome = Cancelled
			break
		}

		n, rerr := dc.Read(buf)
		t.Bytes += int64(n)
		c.metrics.transferred(DirectionDownload, n)
		onRead(n, t.Bytes, buf[:n])

		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			t.Outcome = Failed
			t.Err = &TransportError{Op: "read data channel", Err: rerr}
			break
		}
		if n == 0 {
			break
		}
		if err := c.limiter.Wait(ctx, n); err != nil {
			t.Outcome = Cancelled
			t.Err = err
			break
		}
	}

	dc.Close()
	c.completeTransfer(t, prelim)
	return t, nil
}

// Upload stores name with STOR, pulling chunks from input until it returns
// an empty chunk. The transfer succeeds only when the loop ended normally and
// the completion reply is 2xx.
func (c *Client) Upload(name string, binary bool, input InputFunc, onWritten WrittenFunc, cancelled CancelledFunc) (*Transfer, error) {
	if name == "" {
		return nil, &ParameterError{Name: "name"}
	}
	return c.upload(context.Background(), "STOR "+name, name, binary, input, onWritten, cancelled)
}

// UploadUnique stores the data under a name chosen by the server (STOU).
func (c *Client) UploadUnique(binary bool, input InputFunc, onWritten WrittenFunc, cancelled CancelledFunc) (*Transfer, error) {
	return c.upload(context.Background(), "STOU", "", binary, input, onWritten, cancelled)
}

func (c *Client) upload(ctx context.Context, line, name string, binary bool, input InputFunc, onWritten WrittenFunc, cancelled CancelledFunc) (*Transfer, error) {
	if input == nil {
		return nil, &ParameterError{Name: "input"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.idle.Store(false)
	defer c.endTransfer()

	if err := c.setType(transferType(binary)); err != nil {
		return nil, err
	}

	dc, prelim, err := c.openDataCommand(line)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = uniqueName(prelim)
	}

	t := &Transfer{Direction: DirectionUpload, Name: name}
	for {
		if cancelled != nil && cancelled() {
			t.Outcome = Cancelled
			break
		}

		chunk, ierr := input(chunkSize)
		if ierr != nil && ierr != io.EOF {
			t.Outcome = Failed
			t.Err = ierr
			break
		}
		if len(chunk) == 0 {
			break
		}
		if err := c.limiter.Wait(ctx, len(chunk)); err != nil {
			t.Outcome = Cancelled
			t.Err = err
			break
		}

		n, werr := dc.Write(chunk)
		t.Bytes += int64(n)
		c.metrics.transferred(DirectionUpload, n)
		if werr != nil {
			t.Outcome = Failed
			t.Err = &TransportError{Op: "write data channel", Err: werr}
			break
		}
		if onWritten != nil {
			onWritten(t.Bytes)
		}
		if ierr == io.EOF {
			break
		}
	}

	dc.Close()
	c.completeTransfer(t, prelim)
	if t.Outcome == Succeeded && (t.Status == nil || !t.Status.Is2xx()) {
		t.Outcome = Failed
	}
	return t, nil
}

// completeTransfer reads the completion reply of a data command.
func (c *Client) completeTransfer(t *Transfer, prelim *Response) {
	if prelim != nil && prelim.Code >= 200 {
		t.Status = prelim
	} else if resp, err := c.readResponse(true); err != nil {
		if t.Err == nil {
			t.Err = err
		}
		if t.Outcome == Succeeded {
			t.Outcome = Failed
		}
	} else {
		t.Status = resp
	}

	c.metrics.transfer(t)
	fields := []zap.Field{
		zap.Stringer("direction", t.Direction),
		zap.String("name", t.Name),
		zap.Int64("bytes", t.Bytes),
		zap.Stringer("outcome", t.Outcome),
	}
	if t.Status != nil {
		fields = append(fields, zap.Int("code", t.Status.Code))
	}
	if t.Err != nil {
		fields = append(fields, zap.Error(t.Err))
	}
	c.logger.Info("transfer finished", fields...)
}

// endTransfer returns the session to ASCII mode and makes the connection
// available for the next transfer.
func (c *Client) endTransfer() {
	if c.conn != nil {
		if err := c.setType("A"); err != nil {
			c.logger.Debug("cannot restore ASCII type", zap.Error(err))
		}
	}
	c.idle.Store(true)
}

// uniqueName extracts the file name from a STOU preliminary reply such as
// "150 FILE: upload.1".
func uniqueName(resp *Response) string {
	if resp == nil {
		return ""
	}
	msg := resp.Message
	if i := strings.Index(strings.ToUpper(msg), "FILE:"); i >= 0 {
		return strings.TrimSpace(msg[i+len("FILE:"):])
	}
	return ""
}

// Retrieve downloads name in binary mode and writes it to w.
//
// Example:
//
//	file, err := os.Create("local.txt")
//	if err != nil {
//	    return err
//	}
//	defer file.Close()
//
//	err = client.Retrieve("remote.txt", file)
func (c *Client) Retrieve(name string, w io.Writer) error {
	return c.retrieve(context.Background(), name, w, nil)
}

func (c *Client) retrieve(ctx context.Context, name string, w io.Writer, cancelled CancelledFunc) error {
	if w == nil {
		return &ParameterError{Name: "w"}
	}
	sink := &writerSink{w: w}
	t, err := c.download(ctx, name, true, sink.write, sink.stop(cancelled))
	if err != nil {
		return err
	}
	return transferError("RETR "+name, t, sink.err)
}

// Store uploads the contents of r to name in binary mode.
func (c *Client) Store(name string, r io.Reader) error {
	return c.store(context.Background(), name, r, nil)
}

func (c *Client) store(ctx context.Context, name string, r io.Reader, cancelled CancelledFunc) error {
	if r == nil {
		return &ParameterError{Name: "r"}
	}
	if name == "" {
		return &ParameterError{Name: "name"}
	}
	t, err := c.upload(ctx, "STOR "+name, name, true, ReaderInput(r), nil, cancelled)
	if err != nil {
		return err
	}
	return transferError("STOR "+name, t, nil)
}

// transferError converts a finished transfer into the error of the
// io-based helpers.
func transferError(line string, t *Transfer, localErr error) error {
	switch {
	case localErr != nil:
		return localErr
	case t.Err != nil:
		return t.Err
	case t.Outcome == Cancelled:
		return context.Canceled
	case t.Status == nil:
		return protocolError(line, nil)
	case !t.Status.Is2xx():
		return protocolError(line, t.Status)
	}
	return nil
}
