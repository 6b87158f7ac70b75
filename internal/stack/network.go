package stack

import (
	"fmt"
	"net"

	"github.com/cartstream-io/cartstream/internal/ir"
)

// Default VPC layout: a /16 with one warehouse subnet per availability zone.
const (
	defaultVpcCidr     = "10.0.0.0/16"
	warehousePort      = 5439
	defaultSubnetCidrA = "10.0.1.0/24"
	defaultSubnetCidrB = "10.0.2.0/24"
)

// addNetwork expands the network block into a VPC, warehouse subnets, and
// the warehouse security group. Omitting the block skips networking
// entirely, which also disables the warehouse module.
func (b *builder) addNetwork() {
	n := b.p.Network
	if n == nil {
		return
	}

	cidr := strOr(n.CidrBlock, defaultVpcCidr)
	subnetCidrs := n.SubnetCidrs
	if len(subnetCidrs) == 0 {
		subnetCidrs = []string{defaultSubnetCidrA, defaultSubnetCidrB}
	}
	azs := n.AvailabilityZones
	if len(azs) == 0 {
		azs = []string{b.p.Region + "a", b.p.Region + "b"}
	}

	if _, _, err := net.ParseCIDR(cidr); err != nil {
		b.errf("network.cidrBlock: invalid CIDR %q", cidr)
	}
	for i, sc := range subnetCidrs {
		if _, _, err := net.ParseCIDR(sc); err != nil {
			b.errf("network.subnetCidrs[%d]: invalid CIDR %q", i, sc)
		}
	}
	if len(subnetCidrs) != len(azs) {
		b.errf("network.subnetCidrs: need one CIDR per availability zone (%d CIDRs, %d zones)", len(subnetCidrs), len(azs))
	}
	if len(subnetCidrs) < 2 {
		b.errf("network.subnetCidrs: at least 2 subnets required (warehouse subnet group spans 2 zones)")
	}
	allowed := n.AllowedCidrs
	if len(allowed) == 0 {
		allowed = []string{cidr}
	}
	for i, ac := range allowed {
		if _, _, err := net.ParseCIDR(ac); err != nil {
			b.errf("network.allowedCidrs[%d]: invalid CIDR %q", i, ac)
		}
	}
	if len(b.errs) > 0 {
		return
	}

	b.add(&ir.Resource{
		Type:     "aws:EC2.Vpc",
		Name:     "pipeline",
		Provider: "aws",
		Properties: map[string]any{
			"cidrBlock":          cidr,
			"enableDnsSupport":   true,
			"enableDnsHostnames": true,
			"tags":               b.tags(map[string]string{"Name": b.nameFor("vpc")}),
		},
	})

	for i, sc := range subnetCidrs {
		az := azs[i]
		b.add(&ir.Resource{
			Type:     "aws:EC2.Subnet",
			Name:     fmt.Sprintf("warehouse-%d", i),
			Provider: "aws",
			Properties: map[string]any{
				"vpcId":            ref("aws:EC2.Vpc", "pipeline", "id"),
				"cidrBlock":        sc,
				"availabilityZone": az,
				"tags":             b.tags(map[string]string{"Name": b.nameFor(fmt.Sprintf("warehouse-%s", az))}),
			},
		})
	}

	ingressCidrs := make([]any, 0, len(allowed))
	for _, ac := range allowed {
		ingressCidrs = append(ingressCidrs, ac)
	}

	b.add(&ir.Resource{
		Type:     "aws:EC2.SecurityGroup",
		Name:     "warehouse",
		Provider: "aws",
		Properties: map[string]any{
			"name":        b.nameFor("warehouse-sg"),
			"description": "Warehouse ingress from approved ranges",
			"vpcId":       ref("aws:EC2.Vpc", "pipeline", "id"),
			"ingress": []any{
				map[string]any{
					"protocol":   "tcp",
					"fromPort":   warehousePort,
					"toPort":     warehousePort,
					"cidrBlocks": ingressCidrs,
				},
			},
			"egress": []any{
				map[string]any{
					"protocol":   "-1",
					"fromPort":   0,
					"toPort":     0,
					"cidrBlocks": []any{"0.0.0.0/0"},
				},
			},
			"tags": b.tags(nil),
		},
	})
}
