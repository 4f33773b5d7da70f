package kixdns

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCDNRelationLearnAndGet(t *testing.T) {
	c := newCDNRelationCache()
	c.learn("pipe", "1.1.1.1:53", "cdn.example.com", []string{"edge1.cdnprovider.net", "edge2.cdnprovider.net"})

	related := c.get("pipe", "1.1.1.1:53", "cdn.example.com")
	assert.Equal(t, []string{"edge1.cdnprovider.net", "edge2.cdnprovider.net"}, related)
}

func TestCDNRelationGetMissReturnsNil(t *testing.T) {
	c := newCDNRelationCache()
	assert.Nil(t, c.get("pipe", "1.1.1.1:53", "unseen.example.com"))
}

func TestCDNRelationLearnEmptyChainInvalidates(t *testing.T) {
	c := newCDNRelationCache()
	c.learn("pipe", "1.1.1.1:53", "cdn.example.com", []string{"edge1.cdnprovider.net"})
	c.learn("pipe", "1.1.1.1:53", "cdn.example.com", nil)
	assert.Nil(t, c.get("pipe", "1.1.1.1:53", "cdn.example.com"))
}

func TestCDNRelationLearnBoundsDepthAndFanout(t *testing.T) {
	c := newCDNRelationCache()
	chain := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		chain = append(chain, fmt.Sprintf("hop%d.example.com", i))
	}
	c.learn("pipe", "1.1.1.1:53", "origin.example.com", chain)

	related := c.get("pipe", "1.1.1.1:53", "origin.example.com")
	assert.LessOrEqual(t, len(related), cdnRelationMaxDepth)
}

func TestCDNRelationLearnExcludesOriginAndDuplicates(t *testing.T) {
	c := newCDNRelationCache()
	c.learn("pipe", "1.1.1.1:53", "origin.example.com", []string{"origin.example.com", "edge.example.com", "edge.example.com"})
	related := c.get("pipe", "1.1.1.1:53", "origin.example.com")
	assert.Equal(t, []string{"edge.example.com"}, related)
}

func TestCDNRelationKeyDistinguishesPipelineAndUpstream(t *testing.T) {
	k1 := cdnRelationKey("pipeA", "1.1.1.1:53", "origin.example.com")
	k2 := cdnRelationKey("pipeB", "1.1.1.1:53", "origin.example.com")
	k3 := cdnRelationKey("pipeA", "8.8.8.8:53", "origin.example.com")
	assert.NotEqual(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}
