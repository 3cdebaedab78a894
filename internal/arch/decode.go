package arch

import "fmt"

// opcodeSystem is the RISC-V major opcode (bits [6:0]) for the SYSTEM
// instruction class: CSR access, ECALL/EBREAK, MRET/SRET, WFI, SFENCE.VMA.
const opcodeSystem = 0x73

// opcodeMiscMem is the major opcode for FENCE / FENCE.I.
const opcodeMiscMem = 0x0f

// opcodeLoad / opcodeStore are the major opcodes for the base integer
// load/store instructions — the only other instruction class Miralis ever
// needs to decode, and only for the single firmware access vMPRV traps on
// (spec.md §4.4).
const (
	opcodeLoad  = 0x03
	opcodeStore = 0x23
)

// Op identifies the privileged operation a decoded SYSTEM/MISC-MEM
// instruction represents. Miralis only ever needs to decode this narrow
// subset of the ISA; everything else traps as an unrelated guest fault
// that the dispatcher forwards without decoding.
type Op int

const (
	OpInvalid Op = iota
	OpECall
	OpEBreak
	OpMret
	OpSret
	OpWfi
	OpSfenceVma
	OpFenceI
	OpCsrrw
	OpCsrrs
	OpCsrrc
	OpCsrrwi
	OpCsrrsi
	OpCsrrci
)

// Instruction is a decoded privileged instruction: at most a CSR address,
// a source register/immediate, and a destination register.
type Instruction struct {
	Op     Op
	Csr    CSR
	Rd     uint32
	Rs1    uint32 // register number for CSRRW/S/C, or the zimm for the *i forms
	Uimm   uint64 // decoded immediate value for the *i forms
	Length uint32 // 2 or 4, per spec.md's "instruction length must be honoured"
}

// ErrUnknownOpcode is returned for any major opcode Miralis does not decode.
// It is not itself a guest fault; callers route it into forwarding instead.
type ErrUnknownOpcode struct{ Insn uint32 }

func (e ErrUnknownOpcode) Error() string {
	return fmt.Sprintf("arch: opcode 0x%02x not decoded", e.Insn&0x7f)
}

// ErrMalformedSystem is a SYSTEM-class word whose reserved bits are non-zero
// or whose funct3/imm combination has no meaning; it is a genuine illegal
// instruction from the guest's perspective.
type ErrMalformedSystem struct{ Insn uint32 }

func (e ErrMalformedSystem) Error() string {
	return fmt.Sprintf("arch: malformed system instruction 0x%08x", e.Insn)
}

// DecodePrivileged decodes a 32-bit instruction word if, and only if, it
// belongs to the narrow privileged subset Miralis emulates. 16-bit
// (compressed) firmware instructions never encode privileged operations on
// RV64GC, so callers only need this for a 4-byte fetch.
func DecodePrivileged(insn uint32) (Instruction, error) {
	switch insn & 0x7f {
	case opcodeSystem:
		return decodeSystem(insn)
	case opcodeMiscMem:
		return decodeMiscMem(insn)
	default:
		return Instruction{}, ErrUnknownOpcode{Insn: insn}
	}
}

func decodeMiscMem(insn uint32) (Instruction, error) {
	funct3 := (insn >> 12) & 0x7
	if funct3 == 1 {
		return Instruction{Op: OpFenceI, Length: 4}, nil
	}
	return Instruction{}, ErrUnknownOpcode{Insn: insn}
}

func decodeSystem(insn uint32) (Instruction, error) {
	rd := (insn >> 7) & 0x1f
	rs1 := (insn >> 15) & 0x1f
	funct3 := (insn >> 12) & 0x7
	imm := insn >> 20

	if funct3 == 0 {
		// The non-CSR SYSTEM forms carry no register operands: rd and the
		// funct3-adjacent bits must be zero, same check ccvm's stepSystem
		// applies before accepting ecall/ebreak/sret/wfi/mret.
		switch imm {
		case 0x000:
			if insn&0x000fff80 != 0 {
				return Instruction{}, ErrMalformedSystem{Insn: insn}
			}
			return Instruction{Op: OpECall, Length: 4}, nil
		case 0x001:
			if insn&0x000fff80 != 0 {
				return Instruction{}, ErrMalformedSystem{Insn: insn}
			}
			return Instruction{Op: OpEBreak, Length: 4}, nil
		case 0x102:
			if insn&0x000fff80 != 0 {
				return Instruction{}, ErrMalformedSystem{Insn: insn}
			}
			return Instruction{Op: OpSret, Length: 4}, nil
		case 0x105:
			if insn&0x00007f80 != 0 {
				return Instruction{}, ErrMalformedSystem{Insn: insn}
			}
			return Instruction{Op: OpWfi, Length: 4}, nil
		case 0x302:
			if insn&0x000fff80 != 0 {
				return Instruction{}, ErrMalformedSystem{Insn: insn}
			}
			return Instruction{Op: OpMret, Length: 4}, nil
		default:
			if imm>>5 == 0x09 {
				if insn&0x00007f80 != 0 {
					return Instruction{}, ErrMalformedSystem{Insn: insn}
				}
				return Instruction{Op: OpSfenceVma, Rs1: rs1, Rd: (insn >> 20) & 0x1f, Length: 4}, nil
			}
			return Instruction{}, ErrMalformedSystem{Insn: insn}
		}
	}

	csr := CSR(imm)
	useImmediate := funct3&4 != 0
	switch funct3 & 3 {
	case 1:
		op := OpCsrrw
		if useImmediate {
			op = OpCsrrwi
		}
		return Instruction{Op: op, Csr: csr, Rd: rd, Rs1: rs1, Uimm: uint64(rs1), Length: 4}, nil
	case 2:
		op := OpCsrrs
		if useImmediate {
			op = OpCsrrsi
		}
		return Instruction{Op: op, Csr: csr, Rd: rd, Rs1: rs1, Uimm: uint64(rs1), Length: 4}, nil
	case 3:
		op := OpCsrrc
		if useImmediate {
			op = OpCsrrci
		}
		return Instruction{Op: op, Csr: csr, Rd: rd, Rs1: rs1, Uimm: uint64(rs1), Length: 4}, nil
	default:
		return Instruction{}, ErrMalformedSystem{Insn: insn}
	}
}

// LoadStoreKind distinguishes a decoded load from a decoded store.
type LoadStoreKind int

const (
	LSInvalid LoadStoreKind = iota
	LSLoad
	LSStore
)

// LoadStoreInsn is the minimal decode of a base-ISA load/store the vMPRV
// helper needs to emulate the single access firmware traps on: which
// register carries or receives the value, and the access width/signedness
// funct3 selects. The faulting virtual address itself comes from mtval, not
// from decoding rs1+immediate, since hardware already reports it.
type LoadStoreInsn struct {
	Kind   LoadStoreKind
	Width  int // bytes: 1, 2, 4, or 8
	Signed bool
	Rd     uint32 // destination register, valid for loads
	Rs2    uint32 // source register, valid for stores
	Length uint32
}

// DecodeLoadStore decodes a 32-bit load or store instruction word. It is
// only ever called on the instruction that faulted while vMPRV was active
// (internal/vmprv), never on general guest traffic.
func DecodeLoadStore(insn uint32) (LoadStoreInsn, error) {
	funct3 := (insn >> 12) & 0x7
	switch insn & 0x7f {
	case opcodeLoad:
		width, signed, err := loadWidth(funct3)
		if err != nil {
			return LoadStoreInsn{}, err
		}
		rd := (insn >> 7) & 0x1f
		return LoadStoreInsn{Kind: LSLoad, Width: width, Signed: signed, Rd: rd, Length: 4}, nil
	case opcodeStore:
		width, err := storeWidth(funct3)
		if err != nil {
			return LoadStoreInsn{}, err
		}
		rs2 := (insn >> 20) & 0x1f
		return LoadStoreInsn{Kind: LSStore, Width: width, Rs2: rs2, Length: 4}, nil
	default:
		return LoadStoreInsn{}, ErrUnknownOpcode{Insn: insn}
	}
}

func loadWidth(funct3 uint32) (width int, signed bool, err error) {
	switch funct3 {
	case 0: // lb
		return 1, true, nil
	case 1: // lh
		return 2, true, nil
	case 2: // lw
		return 4, true, nil
	case 3: // ld
		return 8, false, nil
	case 4: // lbu
		return 1, false, nil
	case 5: // lhu
		return 2, false, nil
	case 6: // lwu
		return 4, false, nil
	default:
		return 0, false, fmt.Errorf("arch: invalid load funct3 %d", funct3)
	}
}

func storeWidth(funct3 uint32) (int, error) {
	switch funct3 {
	case 0: // sb
		return 1, nil
	case 1: // sh
		return 2, nil
	case 2: // sw
		return 4, nil
	case 3: // sd
		return 8, nil
	default:
		return 0, fmt.Errorf("arch: invalid store funct3 %d", funct3)
	}
}
