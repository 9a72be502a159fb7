package mq

import (
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProducer_SendMessage(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != `{"status":"success"}` {
			return errors.New("unexpected payload")
		}
		return nil
	})

	p := NewProducerFrom(sp)
	require.NoError(t, p.SendMessage("qrpay.payment.result", "session-1", `{"status":"success"}`))
	require.NoError(t, p.Close())
}

func TestProducer_SendMessageFails(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewProducerFrom(sp)
	err := p.SendMessage("qrpay.payment.result", "session-1", "{}")
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, p.Close())
}
