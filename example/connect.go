package main

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/Zereker/uatcp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var connectCmd = &cobra.Command{
	Use:   "connect <endpoint-url>",
	Short: "Send a hello chunk to a server and print the reply",
	Args:  cobra.ExactArgs(1),
	RunE:  runConnect,
}

func init() {
	connectCmd.Flags().Duration("timeout", 5*time.Second, "receive timeout")
}

// helloChunk encodes a HEL chunk announcing conf for endpointURL.
func helloChunk(conf uatcp.ConnectionConfig, endpointURL string) []byte {
	size := 8 + 5*4 + 4 + len(endpointURL)
	buf := make([]byte, 0, size)
	buf = append(buf, 'H', 'E', 'L', 'F')
	buf = binary.LittleEndian.AppendUint32(buf, uint32(size))
	buf = binary.LittleEndian.AppendUint32(buf, conf.ProtocolVersion)
	buf = binary.LittleEndian.AppendUint32(buf, conf.RecvBufferSize)
	buf = binary.LittleEndian.AppendUint32(buf, conf.SendBufferSize)
	buf = binary.LittleEndian.AppendUint32(buf, conf.MaxMessageSize)
	buf = binary.LittleEndian.AppendUint32(buf, conf.MaxChunkCount)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(endpointURL)))
	return append(buf, endpointURL...)
}

func runConnect(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	conf := localConfig()
	endpointURL := args[0]

	conn, err := uatcp.Connect(context.Background(), conf, endpointURL, uatcp.ClientLoggerOption(logger))
	if err != nil {
		return err
	}
	defer conn.Close()

	hello := helloChunk(conf, endpointURL)
	buf, err := conn.GetSendBuffer(len(hello))
	if err != nil {
		return err
	}
	n := copy(buf, hello)
	if err = conn.Send(buf[:n]); err != nil {
		return err
	}

	reply, err := conn.Receive(viper.GetDuration("timeout"))
	if err != nil {
		return err
	}
	if len(reply) == 0 {
		return fmt.Errorf("no reply from %s", endpointURL)
	}
	defer conn.ReleaseRecvBuffer(reply)

	fmt.Fprintf(cmd.OutOrStdout(), "received %d bytes\n%s", len(reply), hex.Dump(reply))
	return nil
}
