package config

import (
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/ini.v1"
)

// Cloud provider name constants; each matches its key prefix inside the
// [clouds] section.
const (
	CloudAWS     = "aws"
	CloudHetzner = "hetzner"
)

// Cloud is one provider's slice of the [clouds] section. Keys are
// prefixed with the provider name, e.g. hetzner_token, aws_max_nodes.
type Cloud struct {
	Name          string
	MaxNodes      int
	User          string
	Priority      int
	IdleTolerance time.Duration
	JumpUser      string
	JumpHost      string

	// Platforms are the platform tags of the machines this provider
	// creates; scale-up only asks providers that can serve an
	// engine's platform requirement.
	Platforms []string

	// AWS
	AWSRegion        string
	AWSInstanceType  string
	AWSImageID       string
	AWSSecurityGroup string

	// Hetzner
	HetznerToken      string
	HetznerServerType string
	HetznerImage      string
}

// Enabled reports whether the provider takes part in scale-up at all;
// max_nodes < 1 disables the cloud entirely.
func (c Cloud) Enabled() bool {
	return c.MaxNodes >= 1
}

// common per-provider keys
var cloudCommonKeys = []string{
	"max_nodes", "user", "priority", "idle_tolerance",
	"jump_user", "jump_host", "platforms",
}

var cloudProviderKeys = map[string][]string{
	CloudAWS:     {"region", "instance_type", "image_id", "security_group"},
	CloudHetzner: {"token", "server_type", "image_name"},
}

func cloudsFromSection(sec *ini.Section, log *zap.Logger) ([]Cloud, error) {
	known := map[string]bool{}
	for name, keys := range cloudProviderKeys {
		for _, k := range append(keys, cloudCommonKeys...) {
			known[name+"_"+k] = true
		}
	}
	warnUnknownKeys(sec, known, log)

	// present prefixes, in declaration order
	seen := map[string]bool{}
	var prefixes []string
	for _, key := range sec.KeyStrings() {
		prefix := strings.SplitN(key, "_", 2)[0]
		if _, ok := cloudProviderKeys[prefix]; ok && !seen[prefix] {
			seen[prefix] = true
			prefixes = append(prefixes, prefix)
		}
	}

	var clouds []Cloud
	for _, prefix := range prefixes {
		c, err := cloudFromSection(sec, prefix)
		if err != nil {
			return nil, err
		}
		clouds = append(clouds, c)
	}
	return clouds, nil
}

func cloudFromSection(sec *ini.Section, prefix string) (Cloud, error) {
	get := func(key string) *ini.Key { return sec.Key(prefix + "_" + key) }

	c := Cloud{
		Name:     prefix,
		MaxNodes: get("max_nodes").MustInt(10),
		User:     get("user").MustString("root"),
		Priority: get("priority").MustInt(0),
		JumpUser: get("jump_user").String(),
		JumpHost: get("jump_host").String(),
	}

	idle := get("idle_tolerance").MustInt(defaultIdleTolerance(prefix))
	if idle < 1 {
		return Cloud{}, invalidf("clouds.%s_idle_tolerance must be >= 1", prefix)
	}
	c.IdleTolerance = time.Duration(idle) * time.Second

	c.Platforms = strings.Fields(get("platforms").String())

	switch prefix {
	case CloudAWS:
		c.AWSRegion = get("region").MustString("us-east-1")
		c.AWSInstanceType = get("instance_type").MustString("t3.medium")
		c.AWSImageID = get("image_id").String()
		c.AWSSecurityGroup = get("security_group").String()
		if c.AWSImageID == "" {
			return Cloud{}, invalidf("clouds.aws_image_id is required")
		}
	case CloudHetzner:
		c.HetznerToken = get("token").String()
		c.HetznerServerType = get("server_type").MustString("cx51")
		c.HetznerImage = get("image_name").MustString("debian-11")
		if c.HetznerToken == "" {
			return Cloud{}, invalidf("clouds.hetzner_token is required")
		}
		if len(c.Platforms) == 0 {
			// the image name doubles as the platform tag
			c.Platforms = []string{c.HetznerImage}
		}
	}
	if len(c.Platforms) == 0 {
		c.Platforms = []string{"debian-11"}
	}

	return c, nil
}

func defaultIdleTolerance(prefix string) int {
	if prefix == CloudAWS {
		return 120
	}
	return 60
}
