package kafka

import (
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToSaramaConfigDefaults(t *testing.T) {
	c := &Config{}
	conf, err := c.ToSaramaConfig()
	require.NoError(t, err)

	assert.Equal(t, "2.1.1", conf.Version.String())
	assert.Equal(t, "stationstream", conf.ClientID)
	assert.Equal(t, sarama.WaitForAll, conf.Producer.RequiredAcks)
	assert.Equal(t, 5, conf.Producer.Retry.Max)
	assert.True(t, conf.Producer.Return.Successes)
	assert.Equal(t, sarama.OffsetNewest, conf.Consumer.Offsets.Initial)
	assert.False(t, conf.Net.SASL.Enable)
	assert.False(t, conf.Net.TLS.Enable)

	// the manual partitioner honors the partition chosen by the caller
	p := conf.Producer.Partitioner("t")
	got, err := p.Partition(&sarama.ProducerMessage{Partition: 2}, 3)
	require.NoError(t, err)
	assert.Equal(t, int32(2), got)

	assert.Equal(t, []string{"localhost:9092"}, c.GetBrokers())
}

func TestToSaramaConfigOverrides(t *testing.T) {
	c := &Config{
		Brokers:         []string{"kafka-0:9092", "kafka-1:9092"},
		Version:         "3.6.0",
		ClientID:        "stations",
		ProducerRetries: 9,
	}
	conf, err := c.ToSaramaConfig()
	require.NoError(t, err)

	assert.Equal(t, sarama.V3_6_0_0, conf.Version)
	assert.Equal(t, "stations", conf.ClientID)
	assert.Equal(t, 9, conf.Producer.Retry.Max)
	assert.Equal(t, c.Brokers, c.GetBrokers())
}

func TestToSaramaConfigSASL(t *testing.T) {
	tests := []struct {
		algorithm string
		mechanism sarama.SASLMechanism
		scram     bool
	}{
		{"sha512", sarama.SASLTypeSCRAMSHA512, true},
		{"sha256", sarama.SASLTypeSCRAMSHA256, true},
		{"plain", sarama.SASLTypePlaintext, false},
		{"", sarama.SASLTypePlaintext, false},
	}
	for _, tt := range tests {
		t.Run(tt.algorithm, func(t *testing.T) {
			c := &Config{SASL: &SASL{Enable: true, Username: "u", Password: "p", Algorithm: tt.algorithm}}
			conf, err := c.ToSaramaConfig()
			require.NoError(t, err)
			assert.True(t, conf.Net.SASL.Enable)
			assert.Equal(t, tt.mechanism, conf.Net.SASL.Mechanism)
			assert.Equal(t, "u", conf.Net.SASL.User)
			if tt.scram {
				require.NotNil(t, conf.Net.SASL.SCRAMClientGeneratorFunc)
				assert.IsType(t, &XDGSCRAMClient{}, conf.Net.SASL.SCRAMClientGeneratorFunc())
			}
		})
	}

	disabled := &Config{SASL: &SASL{Username: "u", Algorithm: "sha512"}}
	conf, err := disabled.ToSaramaConfig()
	require.NoError(t, err)
	assert.False(t, conf.Net.SASL.Enable)
}

func TestToSaramaConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"bad version", Config{Version: "not-a-version"}},
		{"bad algorithm", Config{SASL: &SASL{Enable: true, Username: "u", Algorithm: "md5"}}},
		{"missing client cert", Config{TLS: TLS{Enable: true, CertFile: "/nonexistent.crt", KeyFile: "/nonexistent.key"}}},
		{"missing CA", Config{TLS: TLS{Enable: true, CAFile: "/nonexistent-ca.crt"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.cfg.ToSaramaConfig()
			assert.Error(t, err)
		})
	}
}

func TestToSaramaConfigTLS(t *testing.T) {
	c := &Config{TLS: TLS{Enable: true, SkipVerify: true}}
	conf, err := c.ToSaramaConfig()
	require.NoError(t, err)
	assert.True(t, conf.Net.TLS.Enable)
	require.NotNil(t, conf.Net.TLS.Config)
	assert.True(t, conf.Net.TLS.Config.InsecureSkipVerify)
}

func TestXDGSCRAMClient(t *testing.T) {
	x := &XDGSCRAMClient{HashGeneratorFcn: SHA256}
	require.NoError(t, x.Begin("user", "pencil", ""))

	first, err := x.Step("")
	require.NoError(t, err)
	assert.Contains(t, first, "n=user")
	assert.False(t, x.Done())
}
