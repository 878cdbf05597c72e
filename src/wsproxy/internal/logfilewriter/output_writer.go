package logfilewriter

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/uber/lsp-ws-proxy/src/wsproxy/internal/fs"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/internal/serverinfofile"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const _fmtOutputKey = "output:%s"

const _outputDirName = "lsp-ws-proxy"

// Params define the dependencies for SetupOutputWriter.
type Params struct {
	FS             fs.ProxyFS
	Lifecycle      fx.Lifecycle
	ServerInfoFile serverinfofile.ServerInfoFile
}

// SetupOutputWriter creates a writer that collects human readable output in a temporary file.
// This is meant for capturing a language server variant's stderr stream, which is
// independent of overall proxy logging. The file path will be stored in the server
// info file so ops tooling can locate it.
func SetupOutputWriter(p Params, name string) (io.Writer, error) {
	// Output to be stored in a log file under a custom directory in the user's temp directory.
	logsDirPath := filepath.Join(os.TempDir(), _outputDirName, name)
	err := p.FS.MkdirAll(logsDirPath)
	if err != nil {
		return nil, err
	}

	logFile, err := p.FS.TempFile(logsDirPath, "")
	if err != nil {
		return nil, err
	}

	// Tooling can tail the file by getting the file path from the server info file.
	p.ServerInfoFile.UpdateField(fmt.Sprintf(_fmtOutputKey, name), logFile.Name())

	// Write via a logger for formatting, timestamp, and performance/buffering.
	// Naming it after the variant stamps every entry with its source.
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.AddSync(logFile),
		zap.InfoLevel,
	)
	outputLogger := zap.New(core).Sugar().Named(name)

	// Cleanup on shutdown.
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			outputLogger.Sync()
			logFile.Close()
			return p.FS.Remove(logFile.Name())
		},
	})

	return &loggerWriter{logger: outputLogger}, nil
}

type loggerWriter struct {
	logger *zap.SugaredLogger
}

// Write implements the io.Writer interface by sending data to the given logger.
// A chunk may carry several lines of server output at once; each non-empty
// line becomes its own entry. Carriage returns from servers that emit \r\n
// are stripped so entries stay single-line.
func (o *loggerWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if len(line) > 0 {
			o.logger.Info(line)
		}
	}

	return len(p), nil
}
