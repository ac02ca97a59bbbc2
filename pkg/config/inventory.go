package config

import (
	"fmt"
	"reflect"

	"github.com/andrej220/linen/pkg/config/configstore"
	"github.com/go-playground/validator/v10"
)

const DriverSSH = "ssh"

var validate = validator.New()

// NodeSpec describes one node the agent may connect to. Config is handed to
// the driver's creation strategy untouched.
type NodeSpec struct {
	Name   string         `yaml:"name" json:"name" bson:"name" validate:"required"`
	Driver string         `yaml:"driver" json:"driver" bson:"driver" validate:"omitempty,oneof=ssh"`
	Config map[string]any `yaml:"config" json:"config" bson:"config" validate:"required"`
}

// Equal reports whether two specs would produce the same connection.
func (n NodeSpec) Equal(o NodeSpec) bool {
	return n.Name == o.Name && n.driver() == o.driver() && reflect.DeepEqual(n.Config, o.Config)
}

func (n NodeSpec) driver() string {
	if n.Driver == "" {
		return DriverSSH
	}
	return n.Driver
}

type Inventory struct {
	Nodes []NodeSpec `yaml:"nodes" json:"nodes" bson:"nodes" validate:"unique=Name,dive"`
}

func (inv *Inventory) Validate() error {
	if err := validate.Struct(inv); err != nil {
		return fmt.Errorf("invalid inventory: %w", err)
	}
	return nil
}

// Find returns the spec registered under name.
func (inv *Inventory) Find(name string) (NodeSpec, bool) {
	for _, n := range inv.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return NodeSpec{}, false
}

func (inv *Inventory) Names() []string {
	names := make([]string, 0, len(inv.Nodes))
	for _, n := range inv.Nodes {
		names = append(names, n.Name)
	}
	return names
}

// Changed returns the names present in inv that are missing from next or
// whose spec differs there.
func (inv *Inventory) Changed(next *Inventory) []string {
	var changed []string
	for _, n := range inv.Nodes {
		o, ok := next.Find(n.Name)
		if !ok || !n.Equal(o) {
			changed = append(changed, n.Name)
		}
	}
	return changed
}

// LoadInventory reads and validates an inventory from store.
func LoadInventory(store configstore.ConfigStore) (*Inventory, error) {
	var inv Inventory
	if err := store.Load(&inv); err != nil {
		return nil, err
	}
	if err := inv.Validate(); err != nil {
		return nil, err
	}
	return &inv, nil
}
