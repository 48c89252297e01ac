package shepherdconfig

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() Config {
	return Config{
		AppServiceURL:       "http://localhost:9000",
		TaskID:              "task-1",
		MeasurementInterval: time.Second,
		Command:             "/bin/echo",
		Args:                []string{"hello"},
	}
}

func TestValidate_AcceptsWellFormedConfig(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidate_RejectsMissingFields(t *testing.T) {
	cases := []func(c *Config){
		func(c *Config) { c.Command = "" },
		func(c *Config) { c.AppServiceURL = "" },
		func(c *Config) { c.TaskID = "" },
		func(c *Config) { c.MeasurementInterval = 0 },
		func(c *Config) { c.MeasurementInterval = -time.Second },
	}
	for _, mutate := range cases {
		c := validConfig()
		mutate(&c)
		assert.Error(t, c.Validate())
	}
}
